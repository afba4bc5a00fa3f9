package ledger

import "fmt"

// ParseError reports the first problem found while parsing ledger text.
// An append that produces a ParseError leaves the backing file untouched.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("ledger parse error at line %d: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("ledger parse error: %s", e.Message)
}

func parseErrf(line int, format string, args ...interface{}) *ParseError {
	return &ParseError{Line: line, Message: fmt.Sprintf(format, args...)}
}

// LockError reports a failure to acquire the exclusive ledger lock within the
// configured bound. It is transient: callers are expected to retry.
type LockError struct {
	Name string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("ledger lock %q: %v", e.Name, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }
