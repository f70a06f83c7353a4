package iothub

import (
	"context"
	"math"
	"time"

	"github.com/Thejuampi/iothub-client-go/iothub/internal/clock"
)

// budget is one deadline shared by every nested step of an operation.
// It is computed once from the caller's timeout and ctx; steps never get
// a fresh timeout of their own.
type budget struct {
	clock    clock.Clock
	deadline time.Time
}

func newBudget(ctx context.Context, clk clock.Clock, timeout time.Duration) budget {
	if clk == nil {
		clk = clock.Real()
	}
	now := clk.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = now.Add(timeout)
	}
	if ctx != nil {
		if ctxDeadline, ok := ctx.Deadline(); ok {
			// ctx deadlines are wall clock; rebase onto clk.
			ctxRemaining := time.Until(ctxDeadline)
			if deadline.IsZero() || now.Add(ctxRemaining).Before(deadline) {
				deadline = now.Add(ctxRemaining)
			}
		}
	}
	return budget{clock: clk, deadline: deadline}
}

// bounded reports whether the budget has a deadline at all.
func (spend budget) bounded() bool {
	return !spend.deadline.IsZero()
}

func (spend budget) remaining() time.Duration {
	if !spend.bounded() {
		return time.Duration(math.MaxInt64)
	}
	left := spend.deadline.Sub(spend.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

func (spend budget) exhausted() bool {
	return spend.bounded() && spend.remaining() <= 0
}

// check fails with TimeoutError once the budget is spent.
func (spend budget) check(step string) error {
	if spend.exhausted() {
		return NewError(TimeoutError, "time budget exhausted before "+step)
	}
	return nil
}

// context derives a context bounded by what is left of the budget. It
// fails without creating anything if the budget is already spent.
func (spend budget) context(parent context.Context, step string) (context.Context, context.CancelFunc, error) {
	if err := spend.check(step); err != nil {
		return nil, nil, err
	}
	if parent == nil {
		parent = context.Background()
	}
	if !spend.bounded() {
		ctx, cancel := context.WithCancel(parent)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(parent, spend.remaining())
	return ctx, cancel, nil
}

// capped narrows the budget to at most limit from now.
func (spend budget) capped(limit time.Duration) budget {
	if limit <= 0 {
		return spend
	}
	limited := spend.clock.Now().Add(limit)
	if spend.bounded() && spend.deadline.Before(limited) {
		return spend
	}
	return budget{clock: spend.clock, deadline: limited}
}

type budgetKey struct{}

// withBudget attaches spend to ctx so factories invoked through a
// ManagedResource keep drawing from the caller's budget.
func withBudget(ctx context.Context, spend budget) context.Context {
	return context.WithValue(ctx, budgetKey{}, spend)
}

// budgetFromContext returns the attached budget, or one derived from ctx's
// deadline alone.
func budgetFromContext(ctx context.Context, clk clock.Clock) budget {
	if spend, ok := ctx.Value(budgetKey{}).(budget); ok {
		return spend
	}
	return newBudget(ctx, clk, 0)
}
