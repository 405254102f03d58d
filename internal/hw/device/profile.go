package device

// Topology is the set of outputs a session is configured with.
type Topology int

const (
	// SingleSurface configures the preview surface only.
	SingleSurface Topology = iota
	// DualSurface configures both the preview and still-capture surfaces.
	DualSurface
)

func (t Topology) String() string {
	if t == DualSurface {
		return "DUAL_SURFACE"
	}
	return "SINGLE_SURFACE"
}

// TopologyMode is the configured topology policy.
type TopologyMode string

const (
	TopologyAuto   TopologyMode = "auto"
	TopologySingle TopologyMode = "single"
	TopologyDual   TopologyMode = "dual"
)

// Profile classifies the selected device. It is immutable once built.
type Profile struct {
	ID              string
	Characteristics Characteristics
	Topology        Topology
	Legacy          bool
}

// NewProfile classifies a device. LEGACY devices get the single-surface
// topology unless mode forces one.
func NewProfile(id string, chars Characteristics, mode TopologyMode) Profile {
	legacy := chars.HardwareLevel == LevelLegacy

	topology := DualSurface
	switch mode {
	case TopologySingle:
		topology = SingleSurface
	case TopologyDual:
		topology = DualSurface
	default:
		if legacy {
			topology = SingleSurface
		}
	}

	caps := make([]Capability, len(chars.Capabilities))
	copy(caps, chars.Capabilities)
	chars.Capabilities = caps

	return Profile{
		ID:              id,
		Characteristics: chars,
		Topology:        topology,
		Legacy:          legacy,
	}
}
