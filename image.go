package dirtypatch

import (
	"github.com/pkg/errors"
)

// Slot is a fixed region of an image reserved for a NUL-terminated string.
type Slot struct {
	Name   string `json:"name"`
	Offset int    `json:"offset"`
	Width  int    `json:"width"`
}

// Image is the raw bytes of a payload plus the string slots inside it.
type Image struct {
	Data  []byte
	Slots []Slot
}

func (img *Image) slot(name string) (Slot, bool) {
	for _, s := range img.Slots {
		if s.Name == name {
			return s, true
		}
	}
	return Slot{}, false
}

// Validate checks that every slot lies inside the image.
func (img *Image) Validate() error {
	for _, s := range img.Slots {
		if s.Width <= 0 || s.Offset < 0 || s.Offset+s.Width > len(img.Data) {
			return errors.Wrapf(ErrConfiguration, "slot %q [%d, %d) outside image of %d bytes",
				s.Name, s.Offset, s.Offset+s.Width, len(img.Data))
		}
	}
	return nil
}

// Fill returns a copy of the image with values copied into their slots.
// Slots without a value keep the image's bytes. A value must leave room
// for its terminator.
func (img *Image) Fill(values map[string]string) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, len(img.Data))
	copy(out, img.Data)

	for name, value := range values {
		s, ok := img.slot(name)
		if !ok {
			return nil, errors.Wrapf(ErrConfiguration, "no slot named %q", name)
		}
		if len(value)+1 > s.Width {
			return nil, errors.Wrapf(ErrPayloadTooLarge, "slot %q: %d bytes plus terminator exceed width %d",
				name, len(value), s.Width)
		}
		region := out[s.Offset : s.Offset+s.Width]
		n := copy(region, value)
		region[n] = 0
	}
	return out, nil
}
