package process

import (
	"fmt"
	"maps"
	"math"

	"github.com/muhrin/aiida-core/internal/core"
)

// Inputs are the named arguments of a process or workfunction.
type Inputs map[string]any

// Outputs are the named results of a process or workfunction.
type Outputs map[string]any

// Clone returns a shallow copy.
func (in Inputs) Clone() Inputs {
	if in == nil {
		return Inputs{}
	}
	return maps.Clone(in)
}

// Int returns an integer input. Values that went through a checkpoint may
// come back as a different numeric type; any integral number is accepted.
func (in Inputs) Int(key string) (int, error) {
	v, ok := in[key]
	if !ok {
		return 0, missingInput(key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), nil
		}
	case float32:
		if float64(n) == math.Trunc(float64(n)) {
			return int(n), nil
		}
	}
	return 0, wrongType(key, "int", v)
}

// Float returns a numeric input as float64.
func (in Inputs) Float(key string) (float64, error) {
	v, ok := in[key]
	if !ok {
		return 0, missingInput(key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	i, err := in.Int(key)
	if err != nil {
		return 0, wrongType(key, "float", v)
	}
	return float64(i), nil
}

// String returns a string input.
func (in Inputs) String(key string) (string, error) {
	v, ok := in[key]
	if !ok {
		return "", missingInput(key)
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(key, "string", v)
	}
	return s, nil
}

// Require checks that every key is present.
func (in Inputs) Require(keys ...string) error {
	for _, k := range keys {
		if _, ok := in[k]; !ok {
			return missingInput(k)
		}
	}
	return nil
}

func missingInput(key string) error {
	return core.ErrValidation("MISSING_INPUT", fmt.Sprintf("missing input %q", key))
}

func wrongType(key, want string, got any) error {
	return core.ErrValidation("INVALID_INPUT", fmt.Sprintf("input %q: want %s, got %T", key, want, got))
}
