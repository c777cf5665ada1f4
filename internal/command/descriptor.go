package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrValidationRejected marks an invocation stopped by a validator.
var ErrValidationRejected = errors.New("validation rejected")

// Handler is the user-supplied command implementation.
type Handler func(ctx context.Context, inv *Invocation) error

// Validator checks an invocation after middleware allowed it. A failing
// validator may return a payload shown to the actor; nil means fail silently.
type Validator interface {
	Validate(ctx context.Context, inv *Invocation) (ok bool, payload *Response)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, inv *Invocation) (bool, *Response)

func (f ValidatorFunc) Validate(ctx context.Context, inv *Invocation) (bool, *Response) {
	return f(ctx, inv)
}

// Descriptor is a finished, validated command definition.
type Descriptor struct {
	Name        string
	Middlewares []string
	Afterwares  []string
	Validators  []Validator
	// Cooldown overrides the rate limit window; zero defers to Metadata["cooldown"]
	// and then to the configured default.
	Cooldown  time.Duration
	Metadata  map[string]any
	Ephemeral bool
	Handler   Handler
}

// Spec is the input to Build.
type Spec struct {
	Name        string
	Middlewares []string
	Afterwares  []string
	Validators  []Validator
	Cooldown    time.Duration
	Metadata    map[string]any
	Ephemeral   bool
	Handler     Handler
}

// Build validates spec and produces a Descriptor.
func Build(spec Spec) (*Descriptor, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("command name is empty")
	}
	if strings.ContainsAny(name, " \t\n") {
		return nil, fmt.Errorf("command name %q contains whitespace", name)
	}
	if spec.Handler == nil {
		return nil, fmt.Errorf("command %q has no handler", name)
	}
	if spec.Cooldown < 0 {
		return nil, fmt.Errorf("command %q has negative cooldown", name)
	}
	for i, v := range spec.Validators {
		if v == nil {
			return nil, fmt.Errorf("command %q validator[%d] is nil", name, i)
		}
	}

	meta := make(map[string]any, len(spec.Metadata))
	for k, v := range spec.Metadata {
		meta[k] = v
	}

	return &Descriptor{
		Name:        name,
		Middlewares: cleanNames(spec.Middlewares),
		Afterwares:  cleanNames(spec.Afterwares),
		Validators:  append([]Validator(nil), spec.Validators...),
		Cooldown:    spec.Cooldown,
		Metadata:    meta,
		Ephemeral:   spec.Ephemeral,
		Handler:     spec.Handler,
	}, nil
}

// CooldownOr returns the command's cooldown: the explicit Cooldown, then
// Metadata["cooldown"] (duration string, time.Duration or seconds), then def.
func (d *Descriptor) CooldownOr(def time.Duration) time.Duration {
	if d == nil {
		return def
	}
	if d.Cooldown > 0 {
		return d.Cooldown
	}
	raw, ok := d.Metadata["cooldown"]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case time.Duration:
		if v > 0 {
			return v
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case string:
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			return dur
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return def
}

func cleanNames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, n := range in {
		n = strings.TrimSpace(n)
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}
