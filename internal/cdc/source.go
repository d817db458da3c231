package cdc

import (
	"context"
	"fmt"
)

// Source yields change records in commit order. Next blocks until a record is
// available, the context ends, or a finite source is exhausted (io.EOF).
// Commit marks every record up to and including offset as durably processed;
// a restarted source resumes after the last committed offset.
type Source interface {
	Next(ctx context.Context) (ChangeRecord, error)
	Commit(ctx context.Context, offset uint64) error
	Close() error
}

// DecodeError reports a message the source received but could not decode.
// The offset is still valid, so callers can dead-letter the payload and go on.
type DecodeError struct {
	Offset uint64
	Raw    []byte
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding change at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
