package handoff

import "fmt"

// Depth is how far a handoff type is validated.
type Depth string

const (
	// DepthStructural applies only the structural stage.
	DepthStructural Depth = "structural"

	// DepthSemantic applies the structural stage, then the semantic checker.
	DepthSemantic Depth = "semantic"
)

// ParseDepth converts a configured depth name.
func ParseDepth(s string) (Depth, error) {
	switch Depth(s) {
	case DepthStructural, DepthSemantic:
		return Depth(s), nil
	default:
		return "", fmt.Errorf("unknown validation depth %q (expected %q or %q)", s, DepthStructural, DepthSemantic)
	}
}

// StrictnessConfig maps handoff types to their validation depth.
// Built once by the process's composition root and passed to the Protocol.
type StrictnessConfig map[string]Depth

// DepthFor returns the configured depth for handoffType.
// Types that were never configured get DepthSemantic.
func (s StrictnessConfig) DepthFor(handoffType string) Depth {
	if d, ok := s[handoffType]; ok {
		return d
	}
	return DepthSemantic
}

// ParseStrictness builds a StrictnessConfig from configured type → depth names.
func ParseStrictness(raw map[string]string) (StrictnessConfig, error) {
	out := make(StrictnessConfig, len(raw))
	for handoffType, name := range raw {
		d, err := ParseDepth(name)
		if err != nil {
			return nil, fmt.Errorf("handoff type %q: %w", handoffType, err)
		}
		out[handoffType] = d
	}
	return out, nil
}
