package asm

import (
	"errors"
	"fmt"
)

// Error definitions
var (
	ErrSyntax           = errors.New("syntax error")
	ErrUnknownMnemonic  = errors.New("unknown mnemonic")
	ErrUnknownDirective = errors.New("unknown directive")
	ErrOperands         = errors.New("invalid operands")
	ErrUndefinedSymbol  = errors.New("undefined symbol")
	ErrDuplicateSymbol  = errors.New("duplicate symbol")
	ErrRange            = errors.New("value out of range")
)

// Error attaches a source line to an assembly failure.
type Error struct {
	Line int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func lineError(line int, err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Line: line, Err: err}
}
