//go:build !linux

package dirtypatch

import (
	"os"

	"github.com/sirupsen/logrus"
)

type PipeChannel struct{}

func NewPipeChannel() (*PipeChannel, error) {
	return nil, ErrUnsupported
}

func (c *PipeChannel) Prepare() error { return ErrUnsupported }
func (c *PipeChannel) Capacity() int { return 0 }
func (c *PipeChannel) Buffered() (int, error) { return 0, ErrUnsupported }
func (c *PipeChannel) Close() error { return nil }

type PageOverwriter struct{}

func NewPageOverwriter(channel *PipeChannel, log logrus.FieldLogger) *PageOverwriter {
	return &PageOverwriter{}
}

func (o *PageOverwriter) Overwrite(f *os.File, offset int64, data []byte) error {
	return &OverwriteError{Path: f.Name(), Offset: offset, Length: len(data), Phase: PhaseValidate, Err: ErrUnsupported}
}
