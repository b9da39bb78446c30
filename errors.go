package dirtypatch

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrRequestRejected means an overwrite request broke the page rules.
	// No I/O was performed; the caller may retry with corrected parameters.
	ErrRequestRejected = errors.New("overwrite request rejected")

	// ErrTransferFailed means the page splice into the pipe moved nothing.
	ErrTransferFailed = errors.New("page transfer failed")

	// ErrShortWrite means fewer bytes reached the pipe than were requested.
	ErrShortWrite = errors.New("short write")

	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrConfiguration    = errors.New("configuration error")
	ErrBackupReadFailed = errors.New("backup read failed")

	// ErrRestoreFailed is the most severe class: a target may still be patched.
	ErrRestoreFailed = errors.New("restore failed")

	ErrUnsupported = errors.New("not supported on this platform")
	ErrState       = errors.New("invalid session state")
)

// Phase names the step an overwrite failed in.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseSeek     Phase = "seek"
	PhaseSplice   Phase = "splice"
	PhaseWrite    Phase = "write"
	PhaseDrain    Phase = "drain"
)

// OverwriteError describes a failed overwrite with enough context to
// diagnose it. It unwraps to one of the sentinel errors above.
type OverwriteError struct {
	Path   string
	Offset int64
	Length int
	Phase  Phase
	Err    error
}

func (e *OverwriteError) Error() string {
	return fmt.Sprintf("overwrite %v at %#x (%d bytes), %v: %v", e.Path, e.Offset, e.Length, e.Phase, e.Err)
}

func (e *OverwriteError) Unwrap() error {
	return e.Err
}

// RestoreError reports a restoration that stopped part way. Pending is the
// number of journaled regions, including the failed one, still holding
// patched bytes.
type RestoreError struct {
	Pending int
	Err     error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("%v: %d region(s) may still be patched: %v", ErrRestoreFailed, e.Pending, e.Err)
}

func (e *RestoreError) Unwrap() error {
	return e.Err
}

func (e *RestoreError) Is(target error) bool {
	return target == ErrRestoreFailed
}
