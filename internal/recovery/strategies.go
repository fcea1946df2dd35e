package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworkforce/relayboard/internal/boardstore"
)

func (s *Service) retry(ctx context.Context, _ error, op Operation, attempt int) error {
	if err := s.opts.Sleep(ctx, s.backoff(attempt)); err != nil {
		return err
	}
	return s.rerun(ctx, op)
}

func (s *Service) retryWithDelay(ctx context.Context, _ error, op Operation, attempt int) error {
	if err := s.opts.Sleep(ctx, s.rateLimitDelay(attempt)); err != nil {
		return err
	}
	return s.rerun(ctx, op)
}

// rerun invokes the operation again and feeds a new failure back into
// Recover, so the attempt budget bounds the chain.
func (s *Service) rerun(ctx context.Context, op Operation) error {
	if op.Run == nil {
		return fmt.Errorf("operation %q cannot be retried", op.Name)
	}
	if err := op.Run(ctx); err != nil {
		return s.Recover(ctx, err, op)
	}
	return nil
}

// runOnce invokes the operation a single time without re-entering Recover.
func (s *Service) runOnce(ctx context.Context, op Operation) error {
	if op.Run == nil {
		return nil
	}
	return op.Run(ctx)
}

func (s *Service) fixSchemaAndRetry(ctx context.Context, _ error, op Operation, _ int) error {
	if _, err := s.FixSchema(ctx, op.collection()); err != nil {
		return err
	}
	return s.runOnce(ctx, op)
}

func (s *Service) createMissing(ctx context.Context, _ error, op Operation, _ int) error {
	if _, err := s.EnsureCollection(ctx, op.collection()); err != nil {
		return err
	}
	return s.runOnce(ctx, op)
}

func (s *Service) resolveConflict(ctx context.Context, err error, op Operation, _ int) error {
	if s.opts.Resolver != nil {
		return s.opts.Resolver(ctx, err, op)
	}
	if werr := s.opts.Sleep(ctx, s.opts.ConflictDelay); werr != nil {
		return werr
	}
	return s.runOnce(ctx, op)
}

func (s *Service) reauth(ctx context.Context, _ error, op Operation, _ int) error {
	if s.opts.Renewer == nil {
		return ErrReauthUnavailable
	}
	if err := s.opts.Renewer.RenewSession(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrReauthUnavailable, err)
	}
	return s.runOnce(ctx, op)
}

// backoff is min(base * 2^(attempt-1), max).
func (s *Service) backoff(attempt int) time.Duration {
	delay := s.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.opts.MaxDelay {
			return s.opts.MaxDelay
		}
	}
	if delay > s.opts.MaxDelay {
		return s.opts.MaxDelay
	}
	return delay
}

// rateLimitDelay is min(base * attempt * 2, cap).
func (s *Service) rateLimitDelay(attempt int) time.Duration {
	delay := s.opts.RateLimitBase * time.Duration(attempt*2)
	if delay > s.opts.RateLimitCap {
		return s.opts.RateLimitCap
	}
	return delay
}

func (op Operation) collection() string {
	if op.Collection == "" {
		return boardstore.BoardsCollection
	}
	return op.Collection
}
