package wire_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// heartbeatV1 is the first version of a record.
type heartbeatV1 struct {
	NodeID string
	Seq    int64
}

func (h *heartbeatV1) MarshalWire(enc *wire.Encoder) {
	enc.String(1, h.NodeID)
	enc.Int64(2, h.Seq)
}

func (h *heartbeatV1) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case 1:
			h.NodeID = dec.String()
		case 2:
			h.Seq = dec.Int64()
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}

// heartbeatV2 adds optional fields to heartbeatV1.
type heartbeatV2 struct {
	NodeID   string
	Seq      int64
	Draining bool
	SentAt   time.Time
	Models   map[string][]string
	Nested   *heartbeatV1
	Payload  []byte
	Roles    []string
}

func (h *heartbeatV2) MarshalWire(enc *wire.Encoder) {
	enc.String(1, h.NodeID)
	enc.Int64(2, h.Seq)
	enc.Bool(3, h.Draining)
	enc.Time(4, h.SentAt)
	enc.StringSetMap(5, h.Models)
	if h.Nested != nil {
		enc.Message(6, h.Nested)
	}
	enc.RawBytes(7, h.Payload)
	enc.Strings(8, h.Roles)
}

func (h *heartbeatV2) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case 1:
			h.NodeID = dec.String()
		case 2:
			h.Seq = dec.Int64()
		case 3:
			h.Draining = dec.Bool()
		case 4:
			h.SentAt = dec.Time()
		case 5:
			if h.Models == nil {
				h.Models = make(map[string][]string)
			}
			dec.StringSetEntry(h.Models)
		case 6:
			h.Nested = &heartbeatV1{}
			dec.Message(h.Nested)
		case 7:
			h.Payload = dec.RawBytes()
		case 8:
			h.Roles = append(h.Roles, dec.String())
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}

var _ = Describe("Wire", func() {
	sentAt := time.UnixMilli(1700000000123)

	It("should carry every field type", func() {
		in := &heartbeatV2{
			NodeID:   "n1",
			Seq:      -7,
			Draining: true,
			SentAt:   sentAt,
			Models:   map[string][]string{"m2": {"n1"}, "m1": {"n1", "n2"}},
			Nested:   &heartbeatV1{NodeID: "n2", Seq: 3},
			Payload:  []byte{0, 1, 2},
			Roles:    []string{"ml", "data"},
		}

		out := &heartbeatV2{}
		Expect(wire.Unmarshal(wire.Marshal(in), out)).To(Succeed())
		Expect(out.NodeID).To(Equal("n1"))
		Expect(out.Seq).To(Equal(int64(-7)))
		Expect(out.Draining).To(BeTrue())
		Expect(out.SentAt.Equal(sentAt)).To(BeTrue())
		Expect(out.Models).To(Equal(in.Models))
		Expect(out.Nested).To(Equal(in.Nested))
		Expect(out.Payload).To(Equal(in.Payload))
		Expect(out.Roles).To(Equal(in.Roles))
	})

	It("should not write absent fields", func() {
		Expect(wire.Marshal(&heartbeatV2{})).To(BeEmpty())
		Expect(wire.Marshal(&heartbeatV2{Models: map[string][]string{}})).To(BeEmpty())
	})

	It("should encode maps in key order", func() {
		a := wire.Marshal(&heartbeatV2{Models: map[string][]string{"a": {"1"}, "b": {"2"}, "c": {"3"}}})
		b := wire.Marshal(&heartbeatV2{Models: map[string][]string{"c": {"3"}, "b": {"2"}, "a": {"1"}}})
		Expect(a).To(Equal(b))
	})

	It("should let an older reader skip fields it does not know", func() {
		newer := &heartbeatV2{NodeID: "n1", Seq: 42, Draining: true, SentAt: sentAt, Roles: []string{"ml"}}

		older := &heartbeatV1{}
		Expect(wire.Unmarshal(wire.Marshal(newer), older)).To(Succeed())
		Expect(*older).To(Equal(heartbeatV1{NodeID: "n1", Seq: 42}))
	})

	It("should give a newer reader zero values for fields an older writer never sent", func() {
		newer := &heartbeatV2{}
		Expect(wire.Unmarshal(wire.Marshal(&heartbeatV1{NodeID: "n1", Seq: 1}), newer)).To(Succeed())
		Expect(newer.NodeID).To(Equal("n1"))
		Expect(newer.Draining).To(BeFalse())
		Expect(newer.SentAt.IsZero()).To(BeTrue())
		Expect(newer.Models).To(BeNil())
		Expect(newer.Nested).To(BeNil())
	})

	It("should reject a truncated record", func() {
		b := wire.Marshal(&heartbeatV1{NodeID: "a-long-node-id"})

		err := wire.Unmarshal(b[:len(b)-3], &heartbeatV1{})
		Expect(errors.Is(err, wire.ErrTruncated)).To(BeTrue())
	})

	It("should reject a field with an unexpected wire type", func() {
		b := protowire.AppendTag(nil, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 5)

		err := wire.Unmarshal(b, &heartbeatV1{})
		Expect(errors.Is(err, wire.ErrWireTypeMatch)).To(BeTrue())
	})
})
