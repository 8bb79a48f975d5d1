// Package router implements the processor policy layer (spec §4.8): it
// fans one replayed event out to N named processors in sorted name order
// and applies one of two failure policies. The teacher has no direct
// fan-out-with-policy analogue, so the dispatch loop below is grounded
// directly on the spec's stated algorithm, following ingesterr's style of
// typed, classifiable errors for the outcomes it reports.
package router

import (
	"context"
	"fmt"
	"sort"

	"github.com/ingestcore/marketdata/internal/candle"
)

// Policy selects what the router does when a child processor fails.
type Policy string

const (
	// FailClosed reports failure on the first child error; the caller is
	// expected to arm the kill switch and exit 2.
	FailClosed Policy = "fail_closed"
	// BestEffort always runs every child and aggregates outcomes; the
	// caller exits 3 on any failure but never arms the kill switch.
	BestEffort Policy = "best_effort"
)

// Processor is a named event consumer. Finalize, if non-nil behavior is
// desired, is invoked once on clean shutdown with the same policy
// semantics as Process.
type Processor interface {
	Name() string
	Process(ctx context.Context, ev candle.Event) error
	Finalize(ctx context.Context) error
}

// Outcome is one processor's result for one event.
type Outcome struct {
	Processor string
	Err       error
}

// Result aggregates a dispatch across all processors.
type Result struct {
	Outcomes []Outcome
	Failed   bool
}

// Router fans events out to a fixed, sorted set of processors.
type Router struct {
	policy     Policy
	processors []Processor
}

// New sorts processors by name (spec: "sorted name order") and returns a
// Router applying policy to every Dispatch/Finalize call.
func New(policy Policy, processors []Processor) (*Router, error) {
	if policy != FailClosed && policy != BestEffort {
		return nil, fmt.Errorf("router: unknown policy %q", policy)
	}
	sorted := make([]Processor, len(processors))
	copy(sorted, processors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	return &Router{policy: policy, processors: sorted}, nil
}

// Dispatch sends ev to every processor in order. Under fail_closed, the
// first error short-circuits the remaining processors; under best_effort,
// every processor always runs regardless of prior failures.
func (r *Router) Dispatch(ctx context.Context, ev candle.Event) Result {
	var res Result
	for _, p := range r.processors {
		err := p.Process(ctx, ev)
		res.Outcomes = append(res.Outcomes, Outcome{Processor: p.Name(), Err: err})
		if err != nil {
			res.Failed = true
			if r.policy == FailClosed {
				break
			}
		}
	}
	return res
}

// Finalize invokes every processor's Finalize with the same short-circuit
// behavior as Dispatch.
func (r *Router) Finalize(ctx context.Context) Result {
	var res Result
	for _, p := range r.processors {
		err := p.Finalize(ctx)
		res.Outcomes = append(res.Outcomes, Outcome{Processor: p.Name(), Err: err})
		if err != nil {
			res.Failed = true
			if r.policy == FailClosed {
				break
			}
		}
	}
	return res
}

// Policy reports the router's configured failure policy.
func (r *Router) Policy() Policy { return r.policy }
