package sandbox

import (
	"context"
	"errors"

	"github.com/zeromicro/go-zero/core/breaker"
)

// BreakerExecutor stops calling a failing executor for a while. Only faults
// count against the breaker; user-code outcomes and caller cancellation do not.
type BreakerExecutor struct {
	next Executor
	brk  breaker.Breaker
}

// NewBreakerExecutor wraps next with a named circuit breaker.
func NewBreakerExecutor(name string, next Executor) *BreakerExecutor {
	return &BreakerExecutor{
		next: next,
		brk:  breaker.NewBreaker(breaker.WithName(name)),
	}
}

func (b *BreakerExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	var res ExecuteResult
	err := b.brk.DoWithAcceptable(func() error {
		var err error
		res, err = b.next.Execute(ctx, req)
		return err
	}, func(err error) bool {
		return err == nil || !IsFault(err)
	})
	if errors.Is(err, breaker.ErrServiceUnavailable) {
		return ExecuteResult{}, &Fault{Op: "execute", Err: err}
	}
	return res, err
}
