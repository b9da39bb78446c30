package dirtypatch

import (
	"github.com/pkg/errors"
)

// InjectionSite locates a hook inside a library, as file offsets.
type InjectionSite struct {
	HookOffset       int64
	PayloadOffset    int64
	FirstInstruction uint32
}

// Resolver finds the injection site in a library. Finding offsets for a
// specific build of a library is not this package's concern.
type Resolver interface {
	Resolve(path string) (InjectionSite, error)
}

// StaticResolver returns offsets known in advance, keyed by library path.
type StaticResolver map[string]InjectionSite

func (r StaticResolver) Resolve(path string) (InjectionSite, error) {
	site, ok := r[path]
	if !ok {
		return InjectionSite{}, errors.Wrapf(ErrConfiguration, "no injection site known for %v", path)
	}
	return site, nil
}
