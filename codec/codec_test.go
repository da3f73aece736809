package codec_test

import (
	"math/big"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/busgopher/protobus/codec"
)

const ledgerSchema = `
syntax = "proto3";

service Ledger {
  rpc record(Tx) returns (Ack);
}

message Tx {
  bigint amount = 1;
}

message Ack {
  bool ok = 1;
}
`

var _ = Describe("Codec", func() {
	var c *codec.Codec

	BeforeEach(func() {
		c = codec.New()
		Expect(c.Parse("ledger.proto", ledgerSchema)).To(Succeed())
	})

	It("round-trips a bigint field through a request envelope exactly", func() {
		want := new(big.Int)
		want.SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10) // 2^256 - 1

		body, err := c.EncodeRequest("Ledger.record", codec.Record{"amount": want}, "tester")
		Expect(err).NotTo(HaveOccurred())

		decoded, err := c.DecodeRequest(body)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded.Method).To(Equal("Ledger.record"))
		Expect(decoded.Actor).To(Equal("tester"))

		got, ok := decoded.Payload["amount"].(*big.Int)
		Expect(ok).To(BeTrue())
		Expect(got.Cmp(want)).To(Equal(0))
	})

	It("rejects a bigint value that overflows the 256-bit wire width", func() {
		tooBig := new(big.Int).Lsh(big.NewInt(1), 257)
		_, err := c.EncodeRequest("Ledger.record", codec.Record{"amount": tooBig}, "tester")
		Expect(err).To(HaveOccurred())
	})

	It("round-trips a successful response", func() {
		body, err := c.EncodeResponse("Ledger.record", codec.Record{"ok": true})
		Expect(err).NotTo(HaveOccurred())

		decoded, err := c.DecodeResponse("Ledger.record", body)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded.Error).To(BeNil())
		Expect((*decoded.Result)["ok"]).To(Equal(true))
	})

	It("round-trips a handled error response without touching the output schema", func() {
		body := c.EncodeError(codec.ResponseError{Message: "boom", Code: "bad_input", Handled: true})

		decoded, err := c.DecodeResponse("Ledger.record", body)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded.Result).To(BeNil())
		Expect(decoded.Error.Code).To(Equal("bad_input"))
		Expect(decoded.Error.Handled).To(BeTrue())
	})

	It("exports a type view describing the custom-scalar field as such", func() {
		view, err := c.ExportTypeView("Ledger")
		Expect(err).NotTo(HaveOccurred())
		Expect(view.Methods).To(HaveLen(1))

		m := view.Methods[0]
		Expect(m.Name).To(Equal("record"))
		Expect(m.Input.Fields).To(HaveLen(1))
		Expect(m.Input.Fields[0].Kind).To(Equal("scalar"))
		Expect(m.Input.Fields[0].CustomScalar).To(Equal("bigint"))
	})

	It("round-trips an event envelope and resolves its own declared type", func() {
		body, err := c.EncodeEvent("Ack", codec.Record{"ok": false}, "")
		Expect(err).NotTo(HaveOccurred())

		decoded, err := c.DecodeEvent(body)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded.Type).To(Equal("Ack"))
		Expect(decoded.Topic).To(Equal("EVENT.Ack"))
		Expect(decoded.Payload["ok"]).To(Equal(false))
	})
})
