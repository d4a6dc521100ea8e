package etlerr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error for propagation decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindEnvironment
	KindConfiguration
	KindConnection
	KindQuery
	KindSchemaValidation
	KindDataLoading
)

func (k Kind) String() string {
	switch k {
	case KindEnvironment:
		return "environment"
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "database connection"
	case KindQuery:
		return "database query"
	case KindSchemaValidation:
		return "schema validation"
	case KindDataLoading:
		return "data loading"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error. Op names the operation that failed,
// Table the table being processed (empty when not table-scoped).
type Error struct {
	Kind  Kind
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Table != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s error on table %s: %v", e.Op, e.Kind, e.Table, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	case e.Table != "":
		return fmt.Sprintf("%s: %s error on table %s", e.Op, e.Kind, e.Table)
	default:
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// ForTable wraps err with a kind, operation and table name.
func ForTable(kind Kind, op, table string, err error) *Error {
	return &Error{Kind: kind, Op: op, Table: table, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindUnknown when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must abort the whole run rather than a single
// table. Environment and configuration errors mean the process is
// misconfigured.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindEnvironment, KindConfiguration:
		return true
	default:
		return false
	}
}
