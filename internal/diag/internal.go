package diag

import (
	"errors"
	"fmt"
	"strings"

	"movec/internal/source"
)

// InternalError is a fatal self-check failure. It carries the diagnostic that
// describes it plus the function being processed and any underlying cause.
type InternalError struct {
	Diag  Diagnostic
	Func  string
	Cause error
}

// NewInternal builds an InternalError for fn.
func NewInternal(code Code, fn string, span source.Span, msg string, cause error) *InternalError {
	return &InternalError{
		Diag:  NewError(code, span, msg),
		Func:  fn,
		Cause: cause,
	}
}

func (e *InternalError) Error() string {
	var b strings.Builder
	b.WriteString(e.Diag.Code.ID())
	if e.Func != "" {
		fmt.Fprintf(&b, " in %s", e.Func)
	}
	b.WriteString(": ")
	b.WriteString(e.Diag.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}

// Is matches another *InternalError carrying the same code, so callers can write
// errors.Is(err, diag.ErrStackImbalance).
func (e *InternalError) Is(target error) bool {
	var t *InternalError
	if !errors.As(target, &t) {
		return false
	}
	return t.Func == "" && t.Diag.Message == "" && t.Diag.Code == e.Diag.Code
}

// Sentinels for errors.Is checks.
var (
	ErrStackImbalance       = &InternalError{Diag: Diagnostic{Code: IntStackImbalance}}
	ErrIRValidation         = &InternalError{Diag: Diagnostic{Code: IntIRValidation}}
	ErrRecheckFailed        = &InternalError{Diag: Diagnostic{Code: IntRecheckFailed}}
	ErrVerificationRejected = &InternalError{Diag: Diagnostic{Code: IntVerificationRejected}}
	ErrEnvInconsistent      = &InternalError{Diag: Diagnostic{Code: EnvInconsistent}}
)
