package service

import (
	"context"

	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// SideEffects runs work that must not change the outcome of an operation
// that already committed, such as event publication. Failures are logged
// with the effect name and dropped.
type SideEffects struct {
	logger *logger.Logger
}

// NewSideEffects creates a side effect runner
func NewSideEffects(log *logger.Logger) *SideEffects {
	if log == nil {
		log = logger.Nop()
	}
	return &SideEffects{logger: log}
}

// Run executes fn and logs its error
func (s *SideEffects) Run(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		s.logger.Warn().Err(err).Str("effect", name).Msg("side effect failed")
	}
}
