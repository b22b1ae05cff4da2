// Package backend provides image generation backends. A backend turns a text prompt into encoded
// image bytes and may be slow or fail; callers treat it as a black box.
package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable returned when backend is not configured, i.e. no api token
	ErrUnavailable = errors.New("backend unavailable")
	// ErrCallFailed wraps network, quota and server errors of a generation call
	ErrCallFailed = errors.New("backend call failed")
	// ErrRejected wraps errors backend reported for the request itself (auth, content policy, bad input).
	// Such errors are not repeated.
	ErrRejected = errors.New("backend rejected request")
)

// Generator makes an image for a prompt. Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
	Available() bool
}

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Retrying wraps Generator with Repeater. With a single attempt it behaves as the wrapped generator.
type Retrying struct {
	Generator
	Repeater Repeater
}

// Generate calls wrapped generator via repeater, rejected requests are not repeated
func (r *Retrying) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if r.Repeater == nil {
		return r.Generator.Generate(ctx, prompt)
	}

	var res []byte
	var stopErr error
	err := r.Repeater.Do(ctx, func() error {
		data, e := r.Generator.Generate(ctx, prompt)
		if e != nil {
			// report bare sentinel to stop repeating, keep the full error for the caller
			for _, se := range []error{ErrRejected, ErrUnavailable} {
				if errors.Is(e, se) {
					stopErr = e
					return se
				}
			}
			return e
		}
		res = data
		return nil
	}, ErrRejected, ErrUnavailable)
	if stopErr != nil {
		return nil, stopErr
	}
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}
	return res, nil
}
