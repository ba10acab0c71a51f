package diag

import (
	"fmt"
)

type Code uint16

const (
	UnknownCode Code = 0

	// Reference safety
	RefInfo               Code = 1000
	RefBorrowConflict     Code = 1001
	RefUseOfMovedValue    Code = 1002
	RefWriteThroughShared Code = 1003
	RefDanglingReference  Code = 1004

	// Resource abilities
	ResInfo             Code = 2000
	ResResourceLeak     Code = 2001
	ResUnauthorizedCopy Code = 2002
	ResAbilityMismatch  Code = 2003

	// Environment input
	EnvInfo           Code = 3000
	EnvInconsistent   Code = 3001
	EnvUnknownFunc    Code = 3002
	EnvUnknownStruct  Code = 3003
	EnvDuplicateName  Code = 3004
	EnvTypeMismatch   Code = 3005
	EnvBadControlFlow Code = 3006

	// Compiler self-checks
	IntInfo                 Code = 4000
	IntStackImbalance       Code = 4001
	IntIRValidation         Code = 4002
	IntRecheckFailed        Code = 4003
	IntVerificationRejected Code = 4004
	IntIndexOverflow        Code = 4005

	IOLoadFileError Code = 5001

	ObsInfo    Code = 6000
	ObsTimings Code = 6001
)

var codeDescription = map[Code]string{
	UnknownCode:             "Unknown error",
	RefInfo:                 "Reference safety information",
	RefBorrowConflict:       "conflicting borrow",
	RefUseOfMovedValue:      "use of moved value",
	RefWriteThroughShared:   "write through shared reference",
	RefDanglingReference:    "returned reference outlives its referent",
	ResInfo:                 "Resource information",
	ResResourceLeak:         "resource leak",
	ResUnauthorizedCopy:     "copy of value without copy ability",
	ResAbilityMismatch:      "ability constraint not satisfied",
	EnvInfo:                 "Environment information",
	EnvInconsistent:         "inconsistent environment",
	EnvUnknownFunc:          "unknown function",
	EnvUnknownStruct:        "unknown struct",
	EnvDuplicateName:        "duplicate declaration",
	EnvTypeMismatch:         "expression type does not match its use",
	EnvBadControlFlow:       "break or continue outside of loop",
	IntInfo:                 "Internal information",
	IntStackImbalance:       "stack imbalance in generated code",
	IntIRValidation:         "invalid intermediate representation",
	IntRecheckFailed:        "optimization changed safety verdict",
	IntVerificationRejected: "bytecode verifier rejected module",
	IntIndexOverflow:        "table index overflow",
	IOLoadFileError:         "I/O load file error",
	ObsInfo:                 "Observability information",
	ObsTimings:              "Pipeline timings",
}

func (c Code) ID() string {
	switch ic := int(c); {
	case ic >= 1000 && ic < 2000:
		return fmt.Sprintf("REF%04d", ic)
	case ic >= 2000 && ic < 3000:
		return fmt.Sprintf("RES%04d", ic)
	case ic >= 3000 && ic < 4000:
		return fmt.Sprintf("ENV%04d", ic)
	case ic >= 4000 && ic < 5000:
		return fmt.Sprintf("INT%04d", ic)
	case ic >= 5000 && ic < 6000:
		return fmt.Sprintf("IO%04d", ic)
	case ic >= 6000 && ic < 7000:
		return fmt.Sprintf("OBS%04d", ic)
	}
	return "E0000"
}

func (c Code) Title() string {
	desc, ok := codeDescription[c]
	if !ok {
		return codeDescription[UnknownCode]
	}
	return desc
}

// Internal reports whether the code belongs to the compiler self-check family.
func (c Code) Internal() bool {
	return c >= IntInfo && c < 5000
}

func (c Code) String() string {
	return fmt.Sprintf("[%s]: %s", c.ID(), c.Title())
}
