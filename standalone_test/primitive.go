package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kstenerud/go-dirtypatch"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const nop = uint32(0xd503201f)

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// withTarget writes content to a read-only scratch file and passes it,
// opened for reading, to fn.
func withTarget(content []byte, fn func(f *os.File) error) error {
	dir, err := os.MkdirTemp("", "dirtypatch-standalone")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "target.bin")
	if err = os.WriteFile(path, content, 0444); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

func expectContent(path string, want []byte) error {
	got, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if i := firstDifference(got, want); i >= 0 {
		return fmt.Errorf("%v: byte %#x is %#02x, expected %#02x", path, i, got[i], want[i])
	}
	return nil
}

func firstDifference(a, b []byte) int {
	if len(a) != len(b) {
		return min(len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}

func expectDrained(ch *dirtypatch.PipeChannel) error {
	n, err := ch.Buffered()
	if err != nil {
		return err
	}
	if n != 0 {
		return fmt.Errorf("%d bytes left in the pipe", n)
	}
	return nil
}

func TestPrepare() error {
	ch, err := dirtypatch.NewPipeChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	capacity := ch.Capacity()
	if err = ch.Prepare(); err != nil {
		return err
	}
	if ch.Capacity() != capacity {
		return fmt.Errorf("capacity changed from %d to %d", capacity, ch.Capacity())
	}
	return expectDrained(ch)
}

func TestRejection() error {
	ch, err := dirtypatch.NewPipeChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	o := dirtypatch.NewPageOverwriter(ch, quietLog())

	ps := dirtypatch.PageSize()
	content := bytes.Repeat([]byte{0xaa}, 2*ps)
	return withTarget(content, func(f *os.File) error {
		if err := o.Overwrite(f, int64(ps), []byte{0xbb}); !errors.Is(err, dirtypatch.ErrRequestRejected) {
			return fmt.Errorf("page-aligned offset: expected a rejection, got %v", err)
		}
		if err := o.Overwrite(f, int64(ps-1), []byte{0xbb, 0xbb}); !errors.Is(err, dirtypatch.ErrRequestRejected) {
			return fmt.Errorf("page-crossing span: expected a rejection, got %v", err)
		}
		if err := expectDrained(ch); err != nil {
			return err
		}
		return expectContent(f.Name(), content)
	})
}

func TestOverwrite() error {
	ch, err := dirtypatch.NewPipeChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	o := dirtypatch.NewPageOverwriter(ch, quietLog())

	content := bytes.Repeat([]byte{0xaa}, dirtypatch.PageSize())
	return withTarget(content, func(f *os.File) error {
		patch := bytes.Repeat([]byte{0xbb}, 5)
		if err := o.Overwrite(f, 10, patch); err != nil {
			return err
		}
		patched := append([]byte(nil), content...)
		copy(patched[10:], patch)
		if err := expectContent(f.Name(), patched); err != nil {
			return fmt.Errorf("kernel does not look vulnerable: %v", err)
		}
		if err := o.Overwrite(f, 10, content[10:15]); err != nil {
			return err
		}
		return expectContent(f.Name(), content)
	})
}

func TestManyOverwrites() error {
	ch, err := dirtypatch.NewPipeChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	o := dirtypatch.NewPageOverwriter(ch, quietLog())

	content := bytes.Repeat([]byte{0xaa}, dirtypatch.PageSize())
	return withTarget(content, func(f *os.File) error {
		for i := 1; i < 200; i++ {
			if err := o.Overwrite(f, int64(i), []byte{byte(i)}); err != nil {
				return fmt.Errorf("overwrite %d: %v", i, err)
			}
		}
		for i := 1; i < 200; i++ {
			if err := o.Overwrite(f, int64(i), content[i:i+1]); err != nil {
				return fmt.Errorf("restore %d: %v", i, err)
			}
		}
		if err := expectDrained(ch); err != nil {
			return err
		}
		return expectContent(f.Name(), content)
	})
}

// TestSession runs a whole session against a plain file standing in for a
// library, with the ELF check off.
func TestSession() error {
	ch, err := dirtypatch.NewPipeChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	ps := dirtypatch.PageSize()
	content := bytes.Repeat([]byte{0x5a}, 2*ps)
	binary.LittleEndian.PutUint32(content[0x100:], nop)

	code := make([]byte, 32)
	for i := 0; i < len(code); i += 4 {
		binary.LittleEndian.PutUint32(code[i:], nop)
	}

	return withTarget(content, func(f *os.File) error {
		s, err := dirtypatch.NewSession(dirtypatch.SessionConfig{
			HookTarget: f.Name(),
			Resolver: dirtypatch.StaticResolver{f.Name(): {
				HookOffset:       0x100,
				PayloadOffset:    int64(ps - 0x40),
				FirstInstruction: nop,
			}},
			Trampoline: &dirtypatch.Trampoline{Image: dirtypatch.Image{Data: code}, Entry: 0, Displaced: 4},
			PageSize:   ps,
			Overwriter: dirtypatch.NewPageOverwriter(ch, quietLog()),
			Log:        quietLog(),
		})
		if err != nil {
			return err
		}
		defer s.Close()

		events := make(chan dirtypatch.Event, 1)
		trigger := dirtypatch.TriggerFunc(func() error {
			got, err := os.ReadFile(f.Name())
			if err != nil {
				return err
			}
			if binary.LittleEndian.Uint32(got[0x100:]) != s.Plan().Hook.BranchIn {
				return fmt.Errorf("hook not installed")
			}
			events <- dirtypatch.Completed
			return nil
		})
		if err = s.Run(trigger, events); err != nil {
			return err
		}
		return expectContent(f.Name(), content)
	})
}
