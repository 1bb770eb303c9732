package jiterrors

import (
	"errors"
	"strings"
)

// Encoding (E) Errors: an operand does not fit the target instruction field.
var (
	ErrEImmediateOutOfRange = errors.New("E1|ImmediateOutOfRange: Immediate operand does not fit the instruction field.")
	ErrEBranchOutOfRange    = errors.New("E2|BranchOutOfRange: Branch displacement exceeds the encodable range.")
	ErrEShiftOutOfRange     = errors.New("E3|ShiftOutOfRange: Shift amount is not smaller than the operand width.")
	ErrEExtableOutOfRange   = errors.New("E4|ExtableOutOfRange: Exception table offset does not fit its field.")
	ErrEAddressOutOfRange   = errors.New("E5|AddressOutOfRange: Address does not fit the fixed-length materialization.")
)

// Structural (S) Errors: the program or the compiler state is inconsistent.
var (
	ErrSUnknownOpcode     = errors.New("S1|UnknownOpcode: Instruction opcode has no lowering.")
	ErrSExtableMismatch   = errors.New("S2|ExtableMismatch: Emitted exception entries differ from the declared count.")
	ErrSPassParity        = errors.New("S3|PassParity: Emitting pass layout differs from the sizing pass.")
	ErrSTailCallOffset    = errors.New("S4|TailCallOffset: Tail call abort target differs between call sites.")
	ErrSPrologueOffset    = errors.New("S5|PrologueOffset: Prologue length differs from the tail call entry offset.")
	ErrSTrapInImage       = errors.New("S6|TrapInImage: Emitted code still contains the fill pattern.")
	ErrSTruncatedProgram  = errors.New("S7|TruncatedProgram: Wide instruction is missing its second slot.")
	ErrSUnsupportedAtomic = errors.New("S8|UnsupportedAtomic: Atomic operation other than add.")
)

// Resource (R) Errors: an external collaborator failed.
var (
	ErrRAllocation        = errors.New("R1|Allocation: Executable buffer could not be allocated.")
	ErrRAddressResolution = errors.New("R2|AddressResolution: Call target could not be resolved.")
	ErrRProtection        = errors.New("R3|Protection: Buffer could not be made read-only and executable.")
)

// Class groups errors by the failure taxonomy a caller reacts to.
type Class int

const (
	ClassNone Class = iota
	ClassEncodingOverflow
	ClassUnknownOpcode
	ClassExtableMismatch
	ClassPassParity
	ClassAllocation
	ClassAddressResolution
	ClassOther
)

var classNames = map[Class]string{
	ClassNone:              "none",
	ClassEncodingOverflow:  "encoding-overflow",
	ClassUnknownOpcode:     "unknown-opcode",
	ClassExtableMismatch:   "extable-mismatch",
	ClassPassParity:        "pass-parity",
	ClassAllocation:        "allocation",
	ClassAddressResolution: "address-resolution",
	ClassOther:             "other",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "unknown"
}

var classOf = []struct {
	err   error
	class Class
}{
	{ErrEImmediateOutOfRange, ClassEncodingOverflow},
	{ErrEBranchOutOfRange, ClassEncodingOverflow},
	{ErrEShiftOutOfRange, ClassEncodingOverflow},
	{ErrEExtableOutOfRange, ClassEncodingOverflow},
	{ErrEAddressOutOfRange, ClassEncodingOverflow},
	{ErrSUnknownOpcode, ClassUnknownOpcode},
	{ErrSUnsupportedAtomic, ClassUnknownOpcode},
	{ErrSTruncatedProgram, ClassUnknownOpcode},
	{ErrSExtableMismatch, ClassExtableMismatch},
	{ErrSPassParity, ClassPassParity},
	{ErrSTailCallOffset, ClassPassParity},
	{ErrSPrologueOffset, ClassPassParity},
	{ErrSTrapInImage, ClassPassParity},
	{ErrRAllocation, ClassAllocation},
	{ErrRProtection, ClassAllocation},
	{ErrRAddressResolution, ClassAddressResolution},
}

// ClassOf classifies err by the first catalogue error it wraps.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	for _, c := range classOf {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassOther
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := catalogueText(err)
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code ("E1", "S3", ...) from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := catalogueText(err)
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// catalogueText returns the message of the wrapped catalogue error, or err's own text.
func catalogueText(err error) string {
	for _, c := range classOf {
		if errors.Is(err, c.err) {
			return c.err.Error()
		}
	}
	return err.Error()
}
