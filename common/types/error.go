package types

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrNotImplemented = status.Error(codes.Unimplemented, "not implemented")
)

// InvalidArgument returns a codes.InvalidArgument status error with the given message.
func InvalidArgument(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

// ResourceExhausted returns a codes.ResourceExhausted status error with the given message.
func ResourceExhausted(format string, args ...interface{}) error {
	return status.Errorf(codes.ResourceExhausted, format, args...)
}

// IsCode reports whether err carries the given gRPC status code.
func IsCode(err error, code codes.Code) bool {
	if err == nil {
		return false
	}
	return status.Code(err) == code
}
