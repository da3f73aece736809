package router_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/busgopher/protobus/router"
)

var _ = Describe("Trie", func() {
	var trie *router.Trie

	BeforeEach(func() {
		trie = router.New()
	})

	It("matches an exact topic with no wildcards", func() {
		h := router.NewHandle("exact")
		trie.Insert("ORDER.created", h)

		Expect(trie.Match("ORDER.created")).To(ConsistOf(h))
		Expect(trie.Match("ORDER.updated")).To(BeEmpty())
	})

	It("matches '*' against exactly one word", func() {
		h := router.NewHandle("star")
		trie.Insert("ORDER.*.created", h)

		Expect(trie.Match("ORDER.eu.created")).To(ConsistOf(h))
		Expect(trie.Match("ORDER.created")).To(BeEmpty())
		Expect(trie.Match("ORDER.eu.west.created")).To(BeEmpty())
	})

	It("matches '#' against zero or more words", func() {
		h := router.NewHandle("hash")
		trie.Insert("ORDER.#", h)

		Expect(trie.Match("ORDER")).To(ConsistOf(h))
		Expect(trie.Match("ORDER.created")).To(ConsistOf(h))
		Expect(trie.Match("ORDER.eu.west.created")).To(ConsistOf(h))
	})

	It("fans a single topic out to every matching pattern, deduplicating a handler registered under more than one", func() {
		exact := router.NewHandle("exact")
		star := router.NewHandle("star")
		hash := router.NewHandle("hash")
		trie.Insert("ORDER.created", exact)
		trie.Insert("ORDER.*", star)
		trie.Insert("ORDER.#", hash)
		trie.Insert("ORDER.created", hash) // same handle, second pattern

		matched := trie.Match("ORDER.created")
		Expect(matched).To(ConsistOf(exact, star, hash))
	})

	It("reports every distinct registered pattern via Patterns", func() {
		trie.Insert("ORDER.created", router.NewHandle("a"))
		trie.Insert("ORDER.created", router.NewHandle("b"))
		trie.Insert("ORDER.#", router.NewHandle("c"))

		Expect(trie.Patterns()).To(ConsistOf("ORDER.created", "ORDER.#"))
	})

	It("stops matching a pattern once every handler under it is removed", func() {
		h := router.NewHandle("solo")
		trie.Insert("ORDER.created", h)
		Expect(trie.Patterns()).To(ConsistOf("ORDER.created"))

		trie.Remove("ORDER.created", h)
		Expect(trie.Match("ORDER.created")).To(BeEmpty())
		Expect(trie.Patterns()).To(BeEmpty())
	})

	// S5 from spec.md §8: one handler bound under *.orange.* alone, a
	// second handler bound under both *.*.rabbit and lazy.# (the same
	// handle registered twice) — mirroring a single queue with two
	// AMQP bindings, which must still be invoked once per matching
	// topic even when both of its bindings match.
	It("reproduces scenario S5's wildcard fan-out counts", func() {
		orangeHandler := router.NewHandle("orange")
		rabbitHandler := router.NewHandle("rabbit")
		trie.Insert("*.orange.*", orangeHandler)
		trie.Insert("*.*.rabbit", rabbitHandler)
		trie.Insert("lazy.#", rabbitHandler)

		Expect(trie.Match("quick.orange.rabbit")).To(ConsistOf(orangeHandler, rabbitHandler))
		Expect(trie.Match("lazy.pink.rabbit")).To(ConsistOf(rabbitHandler))
		Expect(trie.Match("orange")).To(BeEmpty())
	})
})
