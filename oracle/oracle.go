// Package oracle resolves language model identifiers to parameter counts.
//
// The engine only depends on the numeric contract: parameters in billions
// for a model id. The default implementation asks the Hugging Face Hub;
// a fixed-table implementation serves tests and air-gapped deployments.
package oracle

import (
	"context"
)

// Sizer reports the size of a language model in billions of parameters
type Sizer interface {
	ParametersB(ctx context.Context, model string) (float64, error)
}

// Static is a Sizer backed by a fixed model → size table
type Static struct {
	Sizes map[string]float64
}

// ParametersB returns the table entry for model, or an error if absent
func (s Static) ParametersB(_ context.Context, model string) (float64, error) {
	if b, ok := s.Sizes[model]; ok {
		return b, nil
	}
	return 0, ErrModelNotFound
}
