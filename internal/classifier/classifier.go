// Package classifier defines the contract for the external AI task
// classifier. The core never depends on a concrete implementation; when the
// classifier is disabled or unavailable, assignment falls back to its
// deterministic scoring.
package classifier

import (
	"context"

	"github.com/marcushq/marcus/internal/marcuserr"
	"github.com/marcushq/marcus/internal/models"
)

// Result is one rescoring verdict.
type Result struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// Classifier rescores a candidate task for an agent. Errors are treated as
// recoverable by callers; a failing classifier must never fail an
// assignment.
type Classifier interface {
	Classify(ctx context.Context, task *models.Task, agent *models.Agent) (*Result, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, task *models.Task, agent *models.Agent) (*Result, error)

// Classify implements Classifier.
func (f Func) Classify(ctx context.Context, task *models.Task, agent *models.Agent) (*Result, error) {
	return f(ctx, task, agent)
}

// Disabled is the classifier used when classifier.enabled is false. Every
// call reports unavailability as a recoverable integration error, which
// routes the caller onto its deterministic path.
type Disabled struct{}

// Classify implements Classifier.
func (Disabled) Classify(context.Context, *models.Task, *models.Agent) (*Result, error) {
	return nil, marcuserr.Integration("classifier is disabled",
		marcuserr.WithOperation("classifier.classify"))
}
