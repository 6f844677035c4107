package recalc

import (
	"fmt"
	"strings"
)

// AppErrorCode represents gRPC-style error codes for application-level errors.
// formula problems never surface as AppErrors; they become cell values.
type AppErrorCode int

const (
	// OK indicates the operation completed successfully.
	OK AppErrorCode = 0

	// Unknown error.
	Unknown AppErrorCode = 2

	// InvalidArgument indicates the caller passed a malformed cell id, name
	// or configuration value.
	InvalidArgument AppErrorCode = 3

	// NotFound means a requested entity (e.g. a named range) was not found.
	NotFound AppErrorCode = 5

	// AlreadyExists means an attempt to create an entity failed because one
	// already exists.
	AlreadyExists AppErrorCode = 6

	// FailedPrecondition indicates the engine is not in a state required
	// for the operation, e.g. a pass is already running.
	FailedPrecondition AppErrorCode = 9

	// Internal errors. Means some invariants expected by the engine have
	// been broken.
	Internal AppErrorCode = 13
)

var appErrorCodeNames = map[AppErrorCode]string{
	OK:                 "OK",
	Unknown:            "Unknown",
	InvalidArgument:    "InvalidArgument",
	NotFound:           "NotFound",
	AlreadyExists:      "AlreadyExists",
	FailedPrecondition: "FailedPrecondition",
	Internal:           "Internal",
}

func (c AppErrorCode) String() string {
	if s, ok := appErrorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("AppErrorCode(%d)", int(c))
}

// AppError represents errors at the API boundary (not formula errors)
type AppError struct {
	Code    AppErrorCode
	Message string
}

func (e *AppError) Error() string {
	return e.Message
}

// NewApplicationError creates a new application error
func NewApplicationError(code AppErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// ParseError describes why a formula could not be compiled. Position is a
// rune offset into the formula text.
type ParseError struct {
	Position int
	Reason   string
	Code     ErrorCode
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d: %s", e.Position, e.Reason)
}

// CellError converts the parse failure into the value stored in the cell
func (e *ParseError) CellError() *SpreadsheetError {
	code := e.Code
	if code == 0 {
		code = ErrorCodeParse
	}
	return NewSpreadsheetError(code, e.Reason)
}

// Describe renders the error under the formula text it came from, with a
// caret at the failing position
func (e *ParseError) Describe(text string) string {
	runes := []rune(text)
	pos := min(e.Position, len(runes))
	return fmt.Sprintf("%s\n%s^ %s", text, strings.Repeat(" ", pos), e.Reason)
}

func newParseError(pos int, format string, args ...any) *ParseError {
	return &ParseError{Position: pos, Reason: fmt.Sprintf(format, args...), Code: ErrorCodeParse}
}

func newRefError(pos int, format string, args ...any) *ParseError {
	return &ParseError{Position: pos, Reason: fmt.Sprintf(format, args...), Code: ErrorCodeRef}
}

// CycleError is returned when installing edges would close a cycle. Path
// lists the cells already on the cycle, starting at the reference that leads
// back to Cell; it is empty for a self reference.
type CycleError struct {
	Cell CellID
	Path []CellID
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("circular reference: %s refers to itself", e.Cell)
	}
	parts := make([]string, 0, len(e.Path)+2)
	parts = append(parts, string(e.Cell))
	for _, id := range e.Path {
		parts = append(parts, string(id))
	}
	parts = append(parts, string(e.Cell))
	return "circular reference: " + strings.Join(parts, " -> ")
}
