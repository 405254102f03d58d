// Package selector chooses which physical device to open.
package selector

import (
	"fmt"

	"github.com/cjeanneret/shutterbridge/internal/camerr"
	"github.com/cjeanneret/shutterbridge/internal/debug"
	"github.com/cjeanneret/shutterbridge/internal/hw/device"
)

// Source is the subset of device.Manager the selector needs.
type Source interface {
	DeviceIDs() ([]string, error)
	Characteristics(id string) (device.Characteristics, error)
}

// Select returns the first id, in enumeration order, whose capabilities
// contain required. If none qualify it falls back to the first enumerated id,
// even when that id's characteristics could not be read. A per-id lookup error
// is logged and the id skipped. Only an empty list fails.
func Select(src Source, required device.Capability) (string, error) {
	ids, err := src.DeviceIDs()
	if err != nil {
		return "", fmt.Errorf("enumerate devices: %w", err)
	}
	if len(ids) == 0 {
		return "", camerr.ErrNoDeviceAvailable
	}

	for _, id := range ids {
		chars, err := src.Characteristics(id)
		if err != nil {
			debug.Warn("selector: skipping device %s: %v", id, err)
			continue
		}
		if chars.Has(required) {
			debug.Verbose("selector: device %s has %s", id, required)
			return id, nil
		}
		debug.Verbose("selector: device %s lacks %s", id, required)
	}

	debug.Info("selector: no device has %s, falling back to %s", required, ids[0])
	return ids[0], nil
}
