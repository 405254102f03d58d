package selector

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/shutterbridge/internal/camerr"
	"github.com/cjeanneret/shutterbridge/internal/hw/device"
)

// fakeSource records which ids were queried.
type fakeSource struct {
	ids     []string
	chars   map[string]device.Characteristics
	failing map[string]bool
	listErr error
	queried []string
}

func (f *fakeSource) DeviceIDs() ([]string, error) {
	return f.ids, f.listErr
}

func (f *fakeSource) Characteristics(id string) (device.Characteristics, error) {
	f.queried = append(f.queried, id)
	if f.failing[id] {
		return device.Characteristics{}, errors.New("characteristics unavailable")
	}
	return f.chars[id], nil
}

func compatible() device.Characteristics {
	return device.Characteristics{Capabilities: []device.Capability{device.CapBackwardCompatible}}
}

func TestSelect_PicksFirstMatching(t *testing.T) {
	src := &fakeSource{
		ids: []string{"0", "1"},
		chars: map[string]device.Characteristics{
			"0": {Capabilities: []device.Capability{device.CapDepthOutput}},
			"1": compatible(),
		},
	}

	id, err := Select(src, device.CapBackwardCompatible)
	require.NoError(t, err)
	assert.Equal(t, "1", id)
}

func TestSelect_StopsAtFirstMatch(t *testing.T) {
	src := &fakeSource{
		ids:   []string{"0", "1", "2"},
		chars: map[string]device.Characteristics{"0": compatible(), "1": compatible()},
	}

	id, err := Select(src, device.CapBackwardCompatible)
	require.NoError(t, err)
	assert.Equal(t, "0", id)
	assert.Equal(t, []string{"0"}, src.queried)
}

func TestSelect_FallsBackToFirst(t *testing.T) {
	cases := []struct {
		name   string
		src    *fakeSource
		wantID string
	}{
		{
			name:   "none_match",
			src:    &fakeSource{ids: []string{"a", "b"}, chars: map[string]device.Characteristics{}},
			wantID: "a",
		},
		{
			name: "first_unreadable",
			src: &fakeSource{
				ids:     []string{"a", "b"},
				chars:   map[string]device.Characteristics{},
				failing: map[string]bool{"a": true},
			},
			wantID: "a",
		},
		{
			name: "all_unreadable",
			src: &fakeSource{
				ids:     []string{"x"},
				failing: map[string]bool{"x": true},
			},
			wantID: "x",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := Select(tc.src, device.CapBackwardCompatible)
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, id)
		})
	}
}

func TestSelect_SkipsUnreadableAndFindsLaterMatch(t *testing.T) {
	src := &fakeSource{
		ids:     []string{"0", "1"},
		chars:   map[string]device.Characteristics{"1": compatible()},
		failing: map[string]bool{"0": true},
	}

	id, err := Select(src, device.CapBackwardCompatible)
	require.NoError(t, err)
	assert.Equal(t, "1", id)
}

func TestSelect_EmptyList(t *testing.T) {
	_, err := Select(&fakeSource{}, device.CapBackwardCompatible)
	assert.ErrorIs(t, err, camerr.ErrNoDeviceAvailable)
}

func TestSelect_EnumerationError(t *testing.T) {
	listErr := errors.New("service unavailable")
	_, err := Select(&fakeSource{listErr: listErr}, device.CapBackwardCompatible)
	assert.ErrorIs(t, err, listErr)
}
