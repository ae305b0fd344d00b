package slice

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// StrategyFile is the on-disk shape of a pattern strategy:
//
//	{ "slices": [ { "packageName": "auth", "patterns": ["auth/**"] } ] }
type StrategyFile struct {
	PrefixToStrip string         `json:"prefixToStrip,omitempty" yaml:"prefixToStrip,omitempty"`
	Slices        []PatternSlice `json:"slices" yaml:"slices"`
}

// ParsePatternStrategy decodes a pattern strategy document. format is "json"
// or "yaml". Unknown JSON fields are rejected.
func ParsePatternStrategy(data []byte, format string) (Strategy, error) {
	var f StrategyFile
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return Strategy{}, invalidStrategy("decode json: %v", err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return Strategy{}, invalidStrategy("decode yaml: %v", err)
		}
	default:
		return Strategy{}, fmt.Errorf("%w: unsupported strategy format %q", ErrInvalidStrategy, format)
	}

	s := PatternStrategy(f.Slices)
	s.PrefixToStrip = f.PrefixToStrip
	return s, nil
}
