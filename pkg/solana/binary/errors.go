package binary

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEncoding = errors.New("encoding error")
	ErrDecoding = errors.New("decoding error")
)

// EncodingError is returned when a value cannot be represented by the field
// it is assigned to.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding error: field %q: %s", e.Field, e.Reason)
}

func (e *EncodingError) Is(target error) bool {
	return target == ErrEncoding
}

// DecodingError is returned when input bytes do not satisfy the layout.
type DecodingError struct {
	Field  string
	Reason string
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("decoding error: field %q: %s", e.Field, e.Reason)
}

func (e *DecodingError) Is(target error) bool {
	return target == ErrDecoding
}

func encodingErrorf(field, format string, args ...interface{}) error {
	return &EncodingError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func decodingErrorf(field, format string, args ...interface{}) error {
	return &DecodingError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
