package device

import "fmt"

// Template selects the base parameter set for a request.
type Template int

const (
	TemplatePreview Template = iota
	TemplateStillCapture
)

func (t Template) String() string {
	if t == TemplateStillCapture {
		return "still"
	}
	return "preview"
}

// Key identifies a request parameter.
type Key string

const (
	KeyControlMode         Key = "control.mode"
	KeyAEMode              Key = "control.aeMode"
	KeyAFMode              Key = "control.afMode"
	KeyAFTrigger           Key = "control.afTrigger"
	KeyAWBMode             Key = "control.awbMode"
	KeySceneMode           Key = "control.sceneMode"
	KeyEffectMode          Key = "control.effectMode"
	KeyColorCorrectionMode Key = "colorCorrection.mode"
	KeyRotation            Key = "scaler.rotation"
)

// Parameter values. Only the values the request builder emits are named.
const (
	ControlModeAuto = 1

	AEModeOn = 1

	AFModeAuto              = 1
	AFModeContinuousPicture = 4
	AFTriggerStart          = 1

	AWBModeAuto = 1

	SceneModeDisabled = 0
	SceneModeDefault  = 1

	EffectModeOff = 0

	ColorCorrectionTransformMatrix = 0
	ColorCorrectionFast            = 1
)

// Param is one request parameter.
type Param struct {
	Key   Key
	Value int
}

func (p Param) String() string {
	return fmt.Sprintf("%s=%d", p.Key, p.Value)
}

// Request is a capture request: an ordered parameter set aimed at targets.
type Request struct {
	Template Template
	Params   []Param
	Targets  []Surface
}

// Get returns the value of key and whether it is set.
func (r Request) Get(key Key) (int, bool) {
	for _, p := range r.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return 0, false
}
