package memctx

import "fmt"

// Error is the memory core's error taxonomy (spec §7). Callers type-switch
// or errors.As on the concrete Err* types below; all of them also satisfy
// error via Error().
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// ErrOutOfMemory is returned when a block or mapping cannot be acquired.
func ErrOutOfMemory(reason string) error {
	return &Error{Kind: "OutOfMemory", Message: fmt.Sprintf("out of memory: %s", reason)}
}

// ErrInvalidSize is returned when size <= 0.
func ErrInvalidSize(size int) error {
	return &Error{Kind: "InvalidSize", Message: fmt.Sprintf("invalid allocation size: %d", size)}
}

// ErrInvalidAlignment is returned when alignment isn't a power of two in [1,4096].
func ErrInvalidAlignment(alignment int) error {
	return &Error{Kind: "InvalidAlignment", Message: fmt.Sprintf("invalid alignment: %d", alignment)}
}

// ErrContextNotFound is returned by any operation on an unknown or destroyed id.
func ErrContextNotFound(id string) error {
	return &Error{Kind: "ContextNotFound", Message: fmt.Sprintf("context not found: %s", id)}
}

// ErrPressureCritical is returned when an allocation would breach a context's byte limit.
func ErrPressureCritical(current, limit int64) error {
	return &Error{Kind: "PressureCritical", Message: fmt.Sprintf("pressure critical: current=%d limit=%d", current, limit)}
}

// ErrCorruptionDetected, ErrDoubleFree and ErrUseAfterFree complete the
// taxonomy, but no allocation path returns them: the package has no
// corruption, double-free or use-after-free checks, and Config.DebugGuards
// is not read.

// ErrCorruptionDetected reports corruption at addr.
func ErrCorruptionDetected(addr uintptr) error {
	return &Error{Kind: "CorruptionDetected", Message: fmt.Sprintf("corruption detected at address 0x%x", addr)}
}

// ErrDoubleFree reports a double free at addr.
func ErrDoubleFree(addr uintptr) error {
	return &Error{Kind: "DoubleFree", Message: fmt.Sprintf("double free at address 0x%x", addr)}
}

// ErrUseAfterFree reports a use after free at addr.
func ErrUseAfterFree(addr uintptr) error {
	return &Error{Kind: "UseAfterFree", Message: fmt.Sprintf("use after free at address 0x%x", addr)}
}

// ErrContextExists is returned by CreateContext when the id is already registered.
func ErrContextExists(id string) error {
	return &Error{Kind: "ContextExists", Message: fmt.Sprintf("context already exists: %s", id)}
}

// ErrTooManyContexts is returned by CreateContext when max_contexts would be exceeded.
func ErrTooManyContexts(max int) error {
	return &Error{Kind: "TooManyContexts", Message: fmt.Sprintf("live context cap reached: %d", max)}
}

// ErrInvalidContextID is returned when an id fails the §3 identifier grammar.
func ErrInvalidContextID(id string) error {
	return &Error{Kind: "InvalidContextID", Message: fmt.Sprintf("invalid context id: %q", id)}
}
