// Package wire implements the inter-node record encoding.
//
// Every record is a sequence of tagged, optional fields encoded with the protobuf wire format. A field is
// written only when it is present (non-zero); a reader that does not know a field number skips it. Adding a
// new optional field therefore never breaks older senders or receivers: old senders simply never write it and
// new receivers observe its zero value.
package wire

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrTruncated     = errors.New("wire: truncated record")
	ErrWireTypeMatch = errors.New("wire: unexpected wire type")
)

// Number is a field number within a record.
type Number = protowire.Number

// Marshaler is implemented by every record that crosses a node boundary.
type Marshaler interface {
	MarshalWire(enc *Encoder)
}

// Unmarshaler is implemented by every record that can be read off the wire.
type Unmarshaler interface {
	UnmarshalWire(dec *Decoder) error
}

// Marshal encodes m into a fresh byte slice.
func Marshal(m Marshaler) []byte {
	enc := NewEncoder()
	m.MarshalWire(enc)
	return enc.Bytes()
}

// Unmarshal decodes b into m.
func Unmarshal(b []byte, m Unmarshaler) error {
	return m.UnmarshalWire(NewDecoder(b))
}

type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

func (enc *Encoder) Bytes() []byte {
	return enc.buf
}

func (enc *Encoder) String(num protowire.Number, v string) {
	if v == "" {
		return
	}
	enc.buf = protowire.AppendTag(enc.buf, num, protowire.BytesType)
	enc.buf = protowire.AppendString(enc.buf, v)
}

// Strings writes one field occurrence per element.
func (enc *Encoder) Strings(num protowire.Number, vs []string) {
	for _, v := range vs {
		enc.buf = protowire.AppendTag(enc.buf, num, protowire.BytesType)
		enc.buf = protowire.AppendString(enc.buf, v)
	}
}

func (enc *Encoder) Bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	enc.buf = protowire.AppendTag(enc.buf, num, protowire.VarintType)
	enc.buf = protowire.AppendVarint(enc.buf, 1)
}

func (enc *Encoder) Int64(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	enc.buf = protowire.AppendTag(enc.buf, num, protowire.VarintType)
	enc.buf = protowire.AppendVarint(enc.buf, protowire.EncodeZigZag(v))
}

// Time writes t as Unix milliseconds. The zero time is treated as absent.
func (enc *Encoder) Time(num protowire.Number, t time.Time) {
	if t.IsZero() {
		return
	}
	enc.Int64(num, t.UnixMilli())
}

func (enc *Encoder) RawBytes(num protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}
	enc.buf = protowire.AppendTag(enc.buf, num, protowire.BytesType)
	enc.buf = protowire.AppendBytes(enc.buf, b)
}

// Message writes m as a nested record. A nil m is absent.
func (enc *Encoder) Message(num protowire.Number, m Marshaler) {
	if m == nil {
		return
	}
	nested := NewEncoder()
	m.MarshalWire(nested)
	enc.buf = protowire.AppendTag(enc.buf, num, protowire.BytesType)
	enc.buf = protowire.AppendBytes(enc.buf, nested.buf)
}

// StringSetMap writes one nested {1: key, 2: values...} entry per key, in key order.
func (enc *Encoder) StringSetMap(num protowire.Number, m map[string][]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		entry := NewEncoder()
		entry.String(1, k)
		entry.Strings(2, m[k])
		enc.buf = protowire.AppendTag(enc.buf, num, protowire.BytesType)
		enc.buf = protowire.AppendBytes(enc.buf, entry.buf)
	}
}

// Decoder walks the fields of a record. Call Next to advance to the next field, then exactly one of the typed
// readers (or Skip) to consume its value.
type Decoder struct {
	buf []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (dec *Decoder) Next() bool {
	if dec.err != nil || len(dec.buf) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(dec.buf)
	if n < 0 {
		dec.err = errors.Wrap(ErrTruncated, protowire.ParseError(n).Error())
		return false
	}
	dec.buf = dec.buf[n:]
	dec.num, dec.typ = num, typ
	return true
}

func (dec *Decoder) Field() protowire.Number {
	return dec.num
}

func (dec *Decoder) Err() error {
	return dec.err
}

// Skip consumes the value of an unknown field.
func (dec *Decoder) Skip() {
	if dec.err != nil {
		return
	}
	n := protowire.ConsumeFieldValue(dec.num, dec.typ, dec.buf)
	if n < 0 {
		dec.err = errors.Wrap(ErrTruncated, protowire.ParseError(n).Error())
		return
	}
	dec.buf = dec.buf[n:]
}

func (dec *Decoder) expect(typ protowire.Type) bool {
	if dec.err != nil {
		return false
	}
	if dec.typ != typ {
		dec.err = errors.Wrapf(ErrWireTypeMatch, "field %d has type %d, want %d", dec.num, dec.typ, typ)
		return false
	}
	return true
}

func (dec *Decoder) RawBytes() []byte {
	if !dec.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(dec.buf)
	if n < 0 {
		dec.err = errors.Wrap(ErrTruncated, protowire.ParseError(n).Error())
		return nil
	}
	dec.buf = dec.buf[n:]
	return v
}

func (dec *Decoder) String() string {
	return string(dec.RawBytes())
}

func (dec *Decoder) Bool() bool {
	if !dec.expect(protowire.VarintType) {
		return false
	}
	v, n := protowire.ConsumeVarint(dec.buf)
	if n < 0 {
		dec.err = errors.Wrap(ErrTruncated, protowire.ParseError(n).Error())
		return false
	}
	dec.buf = dec.buf[n:]
	return v != 0
}

func (dec *Decoder) Int64() int64 {
	if !dec.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(dec.buf)
	if n < 0 {
		dec.err = errors.Wrap(ErrTruncated, protowire.ParseError(n).Error())
		return 0
	}
	dec.buf = dec.buf[n:]
	return protowire.DecodeZigZag(v)
}

func (dec *Decoder) Time() time.Time {
	ms := dec.Int64()
	if dec.err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Message decodes the nested record at the current field into m.
func (dec *Decoder) Message(m Unmarshaler) {
	b := dec.RawBytes()
	if dec.err != nil {
		return
	}
	if err := m.UnmarshalWire(NewDecoder(b)); err != nil {
		dec.err = err
	}
}

// StringSetEntry decodes one entry written by Encoder.StringSetMap and merges it into m.
func (dec *Decoder) StringSetEntry(m map[string][]string) {
	b := dec.RawBytes()
	if dec.err != nil {
		return
	}

	var (
		key    string
		values []string
	)
	entry := NewDecoder(b)
	for entry.Next() {
		switch entry.Field() {
		case 1:
			key = entry.String()
		case 2:
			values = append(values, entry.String())
		default:
			entry.Skip()
		}
	}
	if entry.err != nil {
		dec.err = entry.err
		return
	}
	m[key] = append(m[key], values...)
}
