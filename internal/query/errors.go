package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/threatgraph/pkg/types"
)

// Grammar is the accepted query shape, included in syntax error messages.
const Grammar = "FROM <Type|ALL> [WHERE <field> <op> <value> (AND <field> <op> <value>)*] [SHOW <field>,...]"

var (
	// ErrSyntax indicates the query does not match the top-level grammar.
	ErrSyntax = errors.New("syntax error")

	// ErrUnknownType indicates FROM named a type that does not exist.
	ErrUnknownType = errors.New("unknown entity type")
)

// Error is returned by Parse and Execute. Kind is ErrSyntax or
// ErrUnknownType, so errors.Is works against either sentinel.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func syntaxError(format string, args ...interface{}) error {
	return &Error{
		Kind:    ErrSyntax,
		Message: fmt.Sprintf(format, args...) + "; expected " + Grammar,
	}
}

func unknownTypeError(name string) error {
	return &Error{
		Kind: ErrUnknownType,
		Message: fmt.Sprintf("%q is not an entity type; valid types are ALL, %s",
			name, strings.Join(types.EntityTypeNames(), ", ")),
	}
}
