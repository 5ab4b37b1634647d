package sandbox

import "fmt"

// SourceError is a fault raised by the caller's program: a syntax or compile
// error, a bad primitive argument, or an abnormal exit. Instructions emitted
// before the fault are kept.
type SourceError struct {
	Dialect Dialect
	Message string
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s program failed: %s", e.Dialect, e.Message)
}
