package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/stretchr/testify/suite"
)

type PoolSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

func TestPoolSuite(t *testing.T) {
	suite.Run(t, new(PoolSuite))
}

func (s *PoolSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

func (s *PoolSuite) TearDownTest() {
	s.cancel()
	if s.done != nil {
		<-s.done
		s.done = nil
	}
}

func (s *PoolSuite) start(p *Pool) {
	s.done = make(chan error, 1)
	go func() {
		s.done <- p.Serve(s.ctx)
	}()
}

func (s *PoolSuite) TestSubmitRunsTask() {
	pool := NewPool(Config{Name: "test", Workers: 2})
	s.start(pool)

	var ran atomic.Int32
	s.Require().NoError(pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}))
	pool.Wait()

	s.Equal(int32(1), ran.Load())
}

func (s *PoolSuite) TestSubmitterCancellationDoesNotReachTask() {
	pool := NewPool(Config{Name: "test", Workers: 1})
	s.start(pool)

	requestCtx, cancelRequest := context.WithCancel(logging.WithRequestID(context.Background(), "req-1"))
	var sawErr atomic.Value
	s.Require().NoError(pool.Submit(requestCtx, "a", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		sawErr.Store(fmtErr(ctx.Err()))
		s.Equal("req-1", logging.RequestID(ctx))
		return nil
	}))
	cancelRequest()
	pool.Wait()

	s.Equal("<nil>", sawErr.Load())
}

func (s *PoolSuite) TestFailingAndPanickingTasksDoNotStopPool() {
	pool := NewPool(Config{Name: "test", Workers: 1})
	s.start(pool)

	var ran atomic.Int32
	s.Require().NoError(pool.Submit(s.ctx, "fail", func(ctx context.Context) error {
		return errors.New("provider down")
	}))
	s.Require().NoError(pool.Submit(s.ctx, "panic", func(ctx context.Context) error {
		panic("boom")
	}))
	s.Require().NoError(pool.Submit(s.ctx, "ok", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}))
	pool.Wait()

	s.Equal(int32(1), ran.Load())
}

func (s *PoolSuite) TestQueueFullIsReported() {
	pool := NewPool(Config{Name: "test", Workers: 1, QueueSize: 1})
	// Not serving: the single slot fills and the next submit is rejected.
	s.Require().NoError(pool.Submit(s.ctx, "a", func(ctx context.Context) error { return nil }))

	err := pool.Submit(s.ctx, "b", func(ctx context.Context) error { return nil })
	s.ErrorIs(err, ErrQueueFull)

	s.start(pool)
	pool.Wait()
}

func (s *PoolSuite) TestServeDrainsQueuedTasksOnShutdown() {
	pool := NewPool(Config{Name: "test", Workers: 1, QueueSize: 8})
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		s.Require().NoError(pool.Submit(s.ctx, "t", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Serve(ctx)

	s.ErrorIs(err, context.Canceled)
	s.Equal(int32(5), ran.Load())
}

func (s *PoolSuite) TestSubmitAfterShutdownIsRejected() {
	pool := NewPool(Config{Name: "test", Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Require().ErrorIs(pool.Serve(ctx), context.Canceled)

	var ran atomic.Int32
	err := pool.Submit(s.ctx, "late", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	s.ErrorIs(err, ErrPoolStopped)

	waited := make(chan struct{})
	go func() {
		pool.Wait()
		close(waited)
	}()
	s.Eventually(func() bool {
		select {
		case <-waited:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	s.Equal(int32(0), ran.Load())
}

func (s *PoolSuite) TestTaskTimeoutApplies() {
	pool := NewPool(Config{Name: "test", Workers: 1, TaskTimeout: 10 * time.Millisecond})
	s.start(pool)

	var deadline atomic.Bool
	s.Require().NoError(pool.Submit(s.ctx, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		deadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}))
	pool.Wait()

	s.True(deadline.Load())
}

func (s *PoolSuite) TestSubmitRequiresTask() {
	pool := NewPool(Config{})
	s.Error(pool.Submit(s.ctx, "nil", nil))
	s.Equal("worker-pool-background", pool.String())
}

func fmtErr(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
