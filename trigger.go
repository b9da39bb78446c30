package dirtypatch

import (
	"os/exec"

	"github.com/pkg/errors"
)

// Trigger makes the patched code path run at least once.
type Trigger interface {
	Fire() error
}

// CommandTrigger runs a command whose side effect reaches the hook.
type CommandTrigger []string

func (t CommandTrigger) Fire() error {
	if len(t) == 0 {
		return nil
	}
	out, err := exec.Command(t[0], t[1:]...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "trigger %q: %s", []string(t), out)
	}
	return nil
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func() error

func (f TriggerFunc) Fire() error {
	return f()
}
