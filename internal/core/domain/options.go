package domain

import (
	"errors"
	"fmt"
)

// GenerateOptions is the closed set of recognized deck generation options.
type GenerateOptions struct {
	SkipCustom  bool `json:"skip_custom"`
	CustomCount int  `json:"custom_count"`
}

var ErrUnknownOption = errors.New("unknown generation option")

const maxCustomCount = 10

// ParseOptions validates a raw options map against the recognized set.
// Unknown keys and out-of-range values are rejected before a job is created.
func ParseOptions(raw map[string]any) (GenerateOptions, error) {
	var opts GenerateOptions
	for key, val := range raw {
		switch key {
		case "skip_custom":
			b, ok := val.(bool)
			if !ok {
				return opts, fmt.Errorf("option skip_custom: expected bool, got %T", val)
			}
			opts.SkipCustom = b
		case "custom_count":
			// JSON numbers decode as float64
			f, ok := val.(float64)
			if !ok {
				return opts, fmt.Errorf("option custom_count: expected number, got %T", val)
			}
			n := int(f)
			if float64(n) != f || n < 0 || n > maxCustomCount {
				return opts, fmt.Errorf("option custom_count: must be an integer in [0,%d]", maxCustomCount)
			}
			opts.CustomCount = n
		default:
			return opts, fmt.Errorf("%w: %q", ErrUnknownOption, key)
		}
	}
	return opts, nil
}
