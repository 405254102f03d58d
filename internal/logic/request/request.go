// Package request builds the parameter sets for preview and still requests.
package request

import "github.com/cjeanneret/shutterbridge/internal/hw/device"

// Kind selects preview or still parameters.
type Kind int

const (
	Preview Kind = iota
	Still
)

// UpsideDownRotation compensates optics mounted upside down. The same value is
// used for preview and still so the live feed and the stored image agree.
const UpsideDownRotation = 180

// Options carries the global configuration that affects every request.
type Options struct {
	UpsideDown bool
}

// Build returns the ordered parameters for kind on the given profile.
//
// Legacy devices get a fixed, aggressive set (transform-matrix colour
// correction, scene mode and effects disabled) that counteracts sensor tinting.
// Other devices get a conservative set that leaves colour processing to the
// hardware.
func Build(p device.Profile, kind Kind, opts Options) []device.Param {
	params := []device.Param{
		{Key: device.KeyControlMode, Value: device.ControlModeAuto},
		{Key: device.KeyAEMode, Value: device.AEModeOn},
	}

	if kind == Still {
		params = append(params,
			device.Param{Key: device.KeyAFMode, Value: device.AFModeAuto},
			device.Param{Key: device.KeyAFTrigger, Value: device.AFTriggerStart},
		)
	} else {
		params = append(params, device.Param{Key: device.KeyAFMode, Value: device.AFModeContinuousPicture})
	}

	if p.Legacy {
		params = append(params,
			device.Param{Key: device.KeyAWBMode, Value: device.AWBModeAuto},
			device.Param{Key: device.KeyColorCorrectionMode, Value: device.ColorCorrectionTransformMatrix},
			device.Param{Key: device.KeySceneMode, Value: device.SceneModeDisabled},
			device.Param{Key: device.KeyEffectMode, Value: device.EffectModeOff},
		)
	} else {
		params = append(params,
			device.Param{Key: device.KeyColorCorrectionMode, Value: device.ColorCorrectionFast},
			device.Param{Key: device.KeySceneMode, Value: device.SceneModeDefault},
		)
	}

	if opts.UpsideDown {
		params = append(params, device.Param{Key: device.KeyRotation, Value: UpsideDownRotation})
	}
	return params
}

// New wraps Build into a device.Request aimed at targets.
func New(p device.Profile, kind Kind, opts Options, targets ...device.Surface) device.Request {
	tmpl := device.TemplatePreview
	if kind == Still {
		tmpl = device.TemplateStillCapture
	}
	return device.Request{
		Template: tmpl,
		Params:   Build(p, kind, opts),
		Targets:  targets,
	}
}
