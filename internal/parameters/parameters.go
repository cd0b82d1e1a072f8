// Package parameters parses ad-hoc hyperparameter overrides given on
// the command line as "key=value[,key=value...]" and layers them over
// the model's default context parameters. It saves the trainers from
// growing one flag per tunable.
package parameters

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Overrides maps parameter names to their raw (unparsed) values.
type Overrides map[string]string

// Parse splits a "key=value,key=value" string. A key without "=" is
// shorthand for key=true.
func Parse(config string) (Overrides, error) {
	o := make(Overrides)
	if config == "" {
		return o, nil
	}
	for _, part := range strings.Split(config, ",") {
		key, value, found := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.Errorf("empty parameter name in override %q", part)
		}
		if !found {
			value = "true"
		}
		o[key] = value
	}
	return o, nil
}

// Apply merges the overrides into base, converting each raw value to
// the type of the default it replaces. Keys absent from base are kept
// as strings so new model parameters can still be set. It returns base
// for chaining.
func (o Overrides) Apply(base map[string]any) (map[string]any, error) {
	for key, raw := range o {
		current, exists := base[key]
		if !exists {
			base[key] = raw
			continue
		}
		parsed, err := convert(key, raw, current)
		if err != nil {
			return nil, err
		}
		base[key] = parsed
	}
	return base, nil
}

func convert(key, raw string, like any) (any, error) {
	switch like.(type) {
	case string:
		return raw, nil
	case bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %s=%q must be a bool", key, raw)
		}
		return v, nil
	case int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %s=%q must be an int", key, raw)
		}
		return v, nil
	case float32:
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %s=%q must be a float", key, raw)
		}
		return float32(v), nil
	case float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %s=%q must be a float", key, raw)
		}
		return v, nil
	}
	return nil, errors.Errorf("parameter %s has unsupported default type %T", key, like)
}
