package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure by the subsystem that produced it.
// Callers use it to choose between local recovery and propagation.
type ErrorKind string

const (
	KindUnknown    ErrorKind = "unknown"
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindLexical    ErrorKind = "lexical"
	KindVector     ErrorKind = "vector"
	KindEmbedding  ErrorKind = "embedding"
	KindStorage    ErrorKind = "storage"
	KindPipeline   ErrorKind = "pipeline"
)

// Error is a classified error carrying the failing operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation name. A nil err returns nil.
func E(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation builds a validation error from a message.
func Validation(op, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Domain validation errors
var (
	ErrInvalidChunkID = errors.New("invalid chunk ID")
	ErrEmptyContent   = errors.New("content cannot be empty")
	ErrInvalidLang    = errors.New("unsupported language code")
)
