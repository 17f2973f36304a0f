package transport

import (
	"fmt"

	"github.com/scusemua/mlcommons-cluster/common/wire"
)

const (
	CodecName = "mlwire"
)

// Codec lets gRPC carry wire records instead of protobuf messages.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wire.Marshaler)
	if !ok {
		return nil, fmt.Errorf("transport: cannot marshal %T", v)
	}
	return wire.Marshal(m), nil
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wire.Unmarshaler)
	if !ok {
		return fmt.Errorf("transport: cannot unmarshal into %T", v)
	}
	return wire.Unmarshal(data, m)
}

func (Codec) Name() string {
	return CodecName
}
