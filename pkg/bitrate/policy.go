// Package bitrate rewrites outgoing session descriptions so that every codec
// parameter line carries the configured bitrate and framerate limits.
package bitrate

import (
	"github.com/pkg/errors"

	"sharescreen/pkg/media"
)

type Policy struct {
	StartBitrateBps int
	MaxBitrateBps   int
	MinBitrateBps   int
	MaxFramerate    int
}

var (
	cameraPolicy = Policy{
		StartBitrateBps: 1_000_000,
		MaxBitrateBps:   3_000_000,
		MinBitrateBps:   1_000_000,
		MaxFramerate:    30,
	}
	screenPolicy = Policy{
		StartBitrateBps: 1_600_000,
		MaxBitrateBps:   4_000_000,
		MinBitrateBps:   1_500_000,
		MaxFramerate:    30,
	}
)

// DefaultPolicy returns the policy used for kind when nothing is overridden.
// Screen content gets a higher floor since text degrades badly at low rates.
func DefaultPolicy(kind media.Kind) Policy {
	if kind == media.ScreenCapture {
		return screenPolicy
	}

	return cameraPolicy
}

// Merge returns p with every non-zero field of override applied.
func (p Policy) Merge(override Policy) Policy {
	if override.StartBitrateBps > 0 {
		p.StartBitrateBps = override.StartBitrateBps
	}

	if override.MaxBitrateBps > 0 {
		p.MaxBitrateBps = override.MaxBitrateBps
	}

	if override.MinBitrateBps > 0 {
		p.MinBitrateBps = override.MinBitrateBps
	}

	if override.MaxFramerate > 0 {
		p.MaxFramerate = override.MaxFramerate
	}

	return p
}

func (p Policy) Validate() error {
	if p.StartBitrateBps < 0 || p.MaxBitrateBps < 0 || p.MinBitrateBps < 0 || p.MaxFramerate < 0 {
		return errors.New("bitrate policy values must not be negative")
	}

	if p.MinBitrateBps > 0 && p.MaxBitrateBps > 0 && p.MinBitrateBps > p.MaxBitrateBps {
		return errors.Errorf("min bitrate %d exceeds max bitrate %d", p.MinBitrateBps, p.MaxBitrateBps)
	}

	if p.StartBitrateBps > 0 {
		if p.MinBitrateBps > 0 && p.StartBitrateBps < p.MinBitrateBps {
			return errors.Errorf("start bitrate %d below min bitrate %d", p.StartBitrateBps, p.MinBitrateBps)
		}

		if p.MaxBitrateBps > 0 && p.StartBitrateBps > p.MaxBitrateBps {
			return errors.Errorf("start bitrate %d above max bitrate %d", p.StartBitrateBps, p.MaxBitrateBps)
		}
	}

	return nil
}
