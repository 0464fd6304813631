package kernel

// Error describes a kernel-level error. Unlike errors.New, Error values are
// meant to be allocated once as package-level variables since the heap
// allocator may not yet be available when the error is first needed (e.g.
// during early boot).
type Error struct {
	// Module is the name of the component that generated the error.
	Module string

	// Message describes the error that occurred.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "[" + e.Module + "] " + e.Message
}
