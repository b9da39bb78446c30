//go:build linux

package dirtypatch

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PageOverwriter writes into a file's page cache through a primed pipe.
// The file only needs to be open for reading.
type PageOverwriter struct {
	channel  *PipeChannel
	pageSize int
	log      logrus.FieldLogger
}

func NewPageOverwriter(channel *PipeChannel, log logrus.FieldLogger) *PageOverwriter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PageOverwriter{
		channel:  channel,
		pageSize: sysPageSize,
		log:      log,
	}
}

func (o *PageOverwriter) Overwrite(f *os.File, offset int64, data []byte) error {
	fail := func(phase Phase, err error) error {
		return &OverwriteError{Path: f.Name(), Offset: offset, Length: len(data), Phase: phase, Err: err}
	}

	if err := checkSpan(offset, len(data), o.pageSize); err != nil {
		return fail(PhaseValidate, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fail(PhaseSeek, errors.Wrapf(ErrTransferFailed, "seek: %v", err))
	}

	// Splicing the byte before offset puts a reference to the cached page
	// into the pipe. The slot keeps its stale merge flag.
	pinAt := offset - 1
	n, err := unix.Splice(int(f.Fd()), &pinAt, o.channel.w, nil, 1, 0)
	if err != nil {
		return fail(PhaseSplice, errors.Wrapf(ErrTransferFailed, "splice: %v", err))
	}
	if n == 0 {
		return fail(PhaseSplice, errors.Wrap(ErrTransferFailed, "short splice"))
	}

	// This write merges into the pinned page rather than a new buffer.
	written, err := unix.Write(o.channel.w, data)
	if err != nil {
		return fail(PhaseWrite, errors.Wrapf(ErrShortWrite, "write: %v", err))
	}
	if written < len(data) {
		return fail(PhaseWrite, errors.Wrapf(ErrShortWrite, "wrote %d of %d bytes", written, len(data)))
	}

	if err = o.channel.drain(int(n) + written); err != nil {
		return fail(PhaseDrain, errors.Wrap(ErrTransferFailed, err.Error()))
	}

	o.log.WithFields(logrus.Fields{
		"path":   f.Name(),
		"offset": offset,
		"len":    len(data),
	}).Debug("overwrote page cache")
	return nil
}
