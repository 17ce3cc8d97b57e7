package audio

import "fmt"

// FramingError reports a chunk that could not be framed or decoded. The
// chunk is discarded; the connection and any buffered audio are kept.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing: %s: %v", e.Reason, e.Err)
	}
	return "framing: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Err }

func framingError(reason string, err error) *FramingError {
	return &FramingError{Reason: reason, Err: err}
}
