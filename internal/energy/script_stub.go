//go:build no_scripts

package energy

import (
	"fmt"
	"log/slog"
	"time"

	"home-energy/internal/device"
)

// ScriptSet is a no-op when built with the no_scripts tag.
type ScriptSet struct{}

func LoadScripts(_ string, _ time.Duration, _ *slog.Logger) (*ScriptSet, error) {
	return &ScriptSet{}, nil
}

func (s *ScriptSet) Kinds() []device.Type { return nil }

func (s *ScriptSet) Describe() []ScriptInfo { return nil }

func (s *ScriptSet) Estimate(st device.Unmodeled) (float64, error) {
	return 0, fmt.Errorf("%w: %s", ErrUnmodeled, st.Kind)
}

func (s *ScriptSet) Close() {}
