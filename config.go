package dirtypatch

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
)

// Number is a JSON integer that may also be written as a string in any base
// strconv accepts, such as "0x5a9dc".
type Number int64

func (n *Number) UnmarshalJSON(data []byte) error {
	text := string(bytes.Trim(data, `"`))
	v, err := strconv.ParseInt(text, 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(text, 0, 64)
		if uerr != nil {
			return errors.Wrapf(err, "number %s", data)
		}
		v = int64(u)
	}
	*n = Number(v)
	return nil
}

type SiteConfig struct {
	HookOffset       Number `json:"hook_offset"`
	PayloadOffset    Number `json:"payload_offset"`
	FirstInstruction Number `json:"first_instruction"`
}

type ImageConfig struct {
	// Path is relative to the configuration file unless absolute.
	Path   string            `json:"path"`
	Slots  []Slot            `json:"slots"`
	Values map[string]string `json:"values"`
}

type TrampolineConfig struct {
	ImageConfig
	Entry     int `json:"entry"`
	Displaced int `json:"displaced"`
}

// DeviceProfile holds the per-device injection parameters.
type DeviceProfile struct {
	CompanionTarget string            `json:"companion_target,omitempty"`
	TrampolineSlots map[string]string `json:"trampoline_values,omitempty"`
	CompanionSlots  map[string]string `json:"companion_values,omitempty"`
}

// Config is the on-disk description of a patch.
type Config struct {
	HookTarget      string           `json:"hook_target"`
	CompanionTarget string           `json:"companion_target"`
	Site            SiteConfig       `json:"site"`
	Trampoline      TrampolineConfig `json:"trampoline"`
	Companion       *ImageConfig     `json:"companion"`
	ScratchPattern  string           `json:"scratch_pattern"`
	Trigger         []string         `json:"trigger"`
	Executables     []string         `json:"executables"`
	CheckELF        *bool            `json:"check_elf"`

	// Defaults apply to every device; Devices maps a device identity
	// (for example a build fingerprint) to overrides.
	Defaults DeviceProfile            `json:"defaults"`
	Devices  map[string]DeviceProfile `json:"devices"`

	dir string
}

// LoadConfig reads a JSON configuration file.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer file.Close()

	cfg := &Config{dir: filepath.Dir(path)}
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err = decoder.Decode(cfg); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "%v: %v", path, err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HookTarget == "" {
		return errors.Wrap(ErrConfiguration, "hook_target is required")
	}
	if c.Trampoline.Path == "" {
		return errors.Wrap(ErrConfiguration, "trampoline.path is required")
	}
	if c.Companion != nil && c.Companion.Path == "" {
		return errors.Wrap(ErrConfiguration, "companion.path is required when companion is set")
	}
	return nil
}

// Profile picks the device profile. With force the defaults are used
// whatever the device is.
func (c *Config) Profile(device string, force bool) (DeviceProfile, error) {
	p := c.Defaults
	if force {
		return p, nil
	}
	override, ok := c.Devices[device]
	if !ok {
		return DeviceProfile{}, errors.Wrapf(ErrConfiguration, "unsupported device %q", device)
	}
	if override.CompanionTarget != "" {
		p.CompanionTarget = override.CompanionTarget
	}
	p.TrampolineSlots = mergeValues(p.TrampolineSlots, override.TrampolineSlots)
	p.CompanionSlots = mergeValues(p.CompanionSlots, override.CompanionSlots)
	return p, nil
}

func mergeValues(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.dir, path)
}

func (c *Config) loadImage(ic ImageConfig) (Image, error) {
	data, err := os.ReadFile(c.resolve(ic.Path))
	if err != nil {
		return Image{}, errors.Wrapf(ErrConfiguration, "image: %v", err)
	}
	img := Image{Data: data, Slots: ic.Slots}
	return img, img.Validate()
}

// SessionConfig turns the file configuration and a device profile into the
// inputs of NewSession. The caller fills in Overwriter, Counter and Vars.
func (c *Config) SessionConfig(profile DeviceProfile) (SessionConfig, error) {
	companionTarget := c.CompanionTarget
	if profile.CompanionTarget != "" {
		companionTarget = profile.CompanionTarget
	}

	img, err := c.loadImage(c.Trampoline.ImageConfig)
	if err != nil {
		return SessionConfig{}, errors.WithMessage(err, "trampoline")
	}
	sc := SessionConfig{
		HookTarget:      c.HookTarget,
		CompanionTarget: companionTarget,
		Resolver: StaticResolver{c.HookTarget: {
			HookOffset:       int64(c.Site.HookOffset),
			PayloadOffset:    int64(c.Site.PayloadOffset),
			FirstInstruction: uint32(c.Site.FirstInstruction),
		}},
		Trampoline:      &Trampoline{Image: img, Entry: c.Trampoline.Entry, Displaced: c.Trampoline.Displaced},
		TrampolineSlots: mergeValues(c.Trampoline.Values, profile.TrampolineSlots),
		ScratchPattern:  c.ScratchPattern,
		Executables:     c.Executables,
		CheckELF:        c.CheckELF == nil || *c.CheckELF,
	}

	if c.Companion != nil {
		companion, err := c.loadImage(*c.Companion)
		if err != nil {
			return SessionConfig{}, errors.WithMessage(err, "companion")
		}
		sc.Companion = &companion
		sc.CompanionSlots = mergeValues(c.Companion.Values, profile.CompanionSlots)
	}
	return sc, nil
}

// BaseDir is where helper files and the run counter live: $BASE_DIR if
// set, otherwise the directory holding the running executable.
func BaseDir(log logrus.FieldLogger) string {
	if dir := os.Getenv("BASE_DIR"); dir != "" {
		return dir
	}
	self, err := procfs.Self()
	if err == nil {
		var exe string
		if exe, err = self.Executable(); err == nil {
			return filepath.Dir(exe)
		}
	}
	log.Warnf("cannot locate executable, using working directory: %v", err)
	return "."
}
