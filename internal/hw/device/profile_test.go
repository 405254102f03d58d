package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewProfile_Topology(t *testing.T) {
	cases := []struct {
		name   string
		level  HardwareLevel
		mode   TopologyMode
		want   Topology
		legacy bool
	}{
		{"legacy_auto", LevelLegacy, TopologyAuto, SingleSurface, true},
		{"full_auto", LevelFull, TopologyAuto, DualSurface, false},
		{"limited_empty_mode", LevelLimited, "", DualSurface, false},
		{"full_forced_single", LevelFull, TopologySingle, SingleSurface, false},
		{"legacy_forced_dual", LevelLegacy, TopologyDual, DualSurface, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewProfile("0", Characteristics{HardwareLevel: tc.level}, tc.mode)
			assert.Equal(t, tc.want, p.Topology)
			assert.Equal(t, tc.legacy, p.Legacy)
			assert.Equal(t, "0", p.ID)
		})
	}
}

func TestNewProfile_CopiesCapabilities(t *testing.T) {
	caps := []Capability{CapBackwardCompatible}
	p := NewProfile("0", Characteristics{Capabilities: caps}, TopologyAuto)
	caps[0] = CapRaw

	assert.True(t, p.Characteristics.Has(CapBackwardCompatible))
	assert.False(t, p.Characteristics.Has(CapRaw))
}

func TestRequest_Get(t *testing.T) {
	req := Request{Params: []Param{{KeyAEMode, AEModeOn}}}

	v, ok := req.Get(KeyAEMode)
	assert.True(t, ok)
	assert.Equal(t, AEModeOn, v)

	_, ok = req.Get(KeyRotation)
	assert.False(t, ok)
}
