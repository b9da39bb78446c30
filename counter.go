package dirtypatch

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	runIndexFile = "dirtypatch-run-index"
	maxRunIndex  = 9999
)

// RunCounter hands out one index per invocation, used to name scratch files.
type RunCounter interface {
	Next() int
}

// FileCounter keeps the run index as a decimal number in a file. Failing to
// read or write the file degrades to index 0 with a warning.
type FileCounter struct {
	Path string
	Log  logrus.FieldLogger
}

// NewFileCounter returns a counter stored in dir.
func NewFileCounter(dir string) *FileCounter {
	return &FileCounter{Path: filepath.Join(dir, runIndexFile)}
}

func (c *FileCounter) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

// Peek returns the index the next call to Next would hand out, without
// advancing the counter.
func (c *FileCounter) Peek() int {
	index := 0
	if data, err := os.ReadFile(c.Path); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			index = n
		} else {
			c.logger().WithField("path", c.Path).Warnf("run index unreadable: %v", err)
		}
	} else if !os.IsNotExist(err) {
		c.logger().WithField("path", c.Path).Warnf("run index: %v", err)
	}

	if index < 0 || index >= maxRunIndex {
		index = 0
	}
	return index
}

func (c *FileCounter) Next() int {
	index := c.Peek()
	if err := os.WriteFile(c.Path, []byte(strconv.Itoa(index+1)), 0644); err != nil {
		c.logger().WithField("path", c.Path).Warnf("run index not saved: %v", err)
	}
	return index
}

// FixedCounter always returns the same index.
type FixedCounter int

func (c FixedCounter) Next() int {
	return int(c)
}
