package inference

import (
	"encoding/json"
	"sort"
	"strings"

	"photomesh/internal/apperr"
)

// The remote service does not commit to one output shape: depending on
// model and mode the result is a bare URL string, an array of produced
// files, or a keyed object. Output is the tagged variant the rest of the
// code works with.
type Output struct {
	shape  outputShape
	scalar string
	list   []any
	keyed  map[string]any
}

type outputShape int

const (
	shapeScalar outputShape = iota
	shapeList
	shapeKeyed
)

var meshExtensions = []string{".glb", ".obj", ".ply"}

var meshKeys = []string{"mesh", "model", "output", "url"}

// ParseOutput decodes the raw output payload into one of the three known
// shapes. Anything else is an invalid model output.
func ParseOutput(raw json.RawMessage) (Output, error) {
	if len(raw) == 0 {
		return Output{}, apperr.Validation("invalid model output: empty payload")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Output{shape: shapeScalar, scalar: s}, nil
	}

	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		return Output{shape: shapeList, list: list}, nil
	}

	var keyed map[string]any
	if err := json.Unmarshal(raw, &keyed); err == nil {
		return Output{shape: shapeKeyed, keyed: keyed}, nil
	}

	return Output{}, apperr.Validation("invalid model output: unexpected output format")
}

// MeshURL resolves the output to a single mesh URL.
//
// A list is searched for an entry with a known mesh extension, falling
// back to the last element. An object is probed for conventional keys,
// falling back to the first value in key order. A resolution that is not
// a string is a hard failure.
func (o Output) MeshURL() (string, error) {
	switch o.shape {
	case shapeScalar:
		if o.scalar == "" {
			return "", apperr.Validation("invalid model output: empty string")
		}
		return o.scalar, nil

	case shapeList:
		if len(o.list) == 0 {
			return "", apperr.Validation("invalid model output: empty array")
		}
		for _, entry := range o.list {
			s, ok := entry.(string)
			if !ok {
				continue
			}
			if hasMeshExtension(s) {
				return s, nil
			}
		}
		last, ok := o.list[len(o.list)-1].(string)
		if !ok {
			return "", apperr.Validation("invalid model output: unexpected output format")
		}
		return last, nil

	case shapeKeyed:
		for _, key := range meshKeys {
			if v, ok := o.keyed[key]; ok {
				s, ok := v.(string)
				if !ok {
					return "", apperr.Validation("invalid model output: unexpected output format")
				}
				return s, nil
			}
		}
		// Fall back to the first value; sort keys so the choice is
		// deterministic.
		keys := make([]string, 0, len(o.keyed))
		for k := range o.keyed {
			keys = append(keys, k)
		}
		if len(keys) == 0 {
			return "", apperr.Validation("invalid model output: empty object")
		}
		sort.Strings(keys)
		s, ok := o.keyed[keys[0]].(string)
		if !ok {
			return "", apperr.Validation("invalid model output: unexpected output format")
		}
		return s, nil
	}
	return "", apperr.Validation("invalid model output: unexpected output format")
}

func hasMeshExtension(s string) bool {
	lower := strings.ToLower(s)
	for _, ext := range meshExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
