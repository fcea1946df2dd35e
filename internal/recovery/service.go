// Package recovery classifies persistence failures and runs the matching
// remediation before giving up.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/boardstore"
	"github.com/rs/zerolog"
)

var (
	ErrRateLimitExhausted = errors.New("rate limit retries exhausted")
	ErrReauthUnavailable  = errors.New("reauthentication not available")
	ErrNoSchemaClient     = errors.New("no schema client configured")
)

// RecoveryFailedError is returned once recovery has been tried and given up.
// It keeps the error that triggered recovery reachable through errors.Is and
// errors.As.
type RecoveryFailedError struct {
	Err         error
	Attempts    int
	RecoveryErr error
}

func (e *RecoveryFailedError) Error() string {
	if e.RecoveryErr != nil {
		return fmt.Sprintf("recovery failed after %d attempt(s): %v (recovery: %v)", e.Attempts, e.Err, e.RecoveryErr)
	}
	return fmt.Sprintf("recovery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RecoveryFailedError) Unwrap() []error {
	if e.RecoveryErr != nil {
		return []error{e.Err, e.RecoveryErr}
	}
	return []error{e.Err}
}

func (e *RecoveryFailedError) RecoveryFailed() bool { return true }

// Operation is the call being recovered. Run is re-invoked by the retrying
// strategies; Collection names the remote collection schema repair targets.
type Operation struct {
	Name       string
	Collection string
	Run        func(ctx context.Context) error
}

// SchemaClient is the part of the store recovery needs for schema repair and
// seeding.
type SchemaClient interface {
	GetCollection(ctx context.Context, name string) (boardstore.Collection, error)
	ListAttributes(ctx context.Context, collection string) ([]boardstore.Attribute, error)
	CreateCollection(ctx context.Context, name string) (boardstore.Collection, error)
	CreateAttribute(ctx context.Context, collection string, attr boardstore.Attribute) error
	ListDocuments(ctx context.Context, collection string, limit int) ([]boardstore.Document, error)
	CreateDocument(ctx context.Context, collection, id string, data map[string]any) (boardstore.Document, error)
}

type Renewer interface {
	RenewSession(ctx context.Context) error
}

type Notifier interface {
	Notify(message string, level Severity)
}

type NotifierFunc func(message string, level Severity)

func (f NotifierFunc) Notify(message string, level Severity) { f(message, level) }

// ConflictResolver handles a conflict in place of the default wait and retry.
type ConflictResolver func(ctx context.Context, err error, op Operation) error

type Options struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RateLimitBase time.Duration
	RateLimitCap  time.Duration
	ConflictDelay time.Duration
	HistoryLimit  int

	Schema   SchemaClient
	Renewer  Renewer
	Notifier Notifier
	Resolver ConflictResolver
	Logger   zerolog.Logger

	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		RateLimitBase: time.Second,
		RateLimitCap:  30 * time.Second,
		ConflictDelay: time.Second,
		HistoryLimit:  100,
		Logger:        zerolog.Nop(),
	}
}

type attemptKey struct {
	errType   ErrorType
	operation string
}

type strategyFunc func(s *Service, ctx context.Context, err error, op Operation, attempt int) error

type Service struct {
	opts       Options
	strategies map[Strategy]strategyFunc

	mu       sync.Mutex
	attempts map[attemptKey]int
	history  []Record
}

func New(opts Options) *Service {
	def := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.RateLimitBase <= 0 {
		opts.RateLimitBase = def.RateLimitBase
	}
	if opts.RateLimitCap <= 0 {
		opts.RateLimitCap = def.RateLimitCap
	}
	if opts.ConflictDelay <= 0 {
		opts.ConflictDelay = def.ConflictDelay
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	if opts.Sleep == nil {
		opts.Sleep = waitWithContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		opts: opts,
		strategies: map[Strategy]strategyFunc{
			StrategyRetry:              (*Service).retry,
			StrategyRetryWithDelay:     (*Service).retryWithDelay,
			StrategyFixSchema:          (*Service).fixSchemaAndRetry,
			StrategyCreateMissing:      (*Service).createMissing,
			StrategyConflictResolution: (*Service).resolveConflict,
			StrategyReauth:             (*Service).reauth,
		},
		attempts: map[attemptKey]int{},
	}
}

// Classify classifies err and appends it to the history.
func (s *Service) Classify(err error) Classification {
	return s.classify(err, "")
}

func (s *Service) classify(err error, operation string) Classification {
	class := Classify(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.mu.Lock()
	s.history = append(s.history, Record{Classification: class, Operation: operation, Message: msg, At: s.opts.Now()})
	if over := len(s.history) - s.opts.HistoryLimit; over > 0 {
		s.history = append([]Record(nil), s.history[over:]...)
	}
	s.mu.Unlock()
	return class
}

// Recover runs the strategy bound to err's classification. It returns nil
// when the operation eventually succeeded, and a *RecoveryFailedError once
// the attempt budget for (type, operation) is spent or the strategy gave up.
func (s *Service) Recover(ctx context.Context, err error, op Operation) error {
	if err == nil {
		return nil
	}
	class := s.classify(err, op.Name)
	key := attemptKey{errType: class.Type, operation: op.Name}

	s.mu.Lock()
	attempt := s.attempts[key]
	exhausted := attempt >= s.opts.MaxRetries
	if !exhausted {
		attempt++
		s.attempts[key] = attempt
	}
	s.mu.Unlock()

	log := s.opts.Logger.With().
		Str("operation", op.Name).
		Str("errorType", string(class.Type)).
		Str("strategy", string(class.Strategy)).
		Int("attempt", attempt).
		Logger()

	if exhausted {
		var terminal error
		if class.Strategy == StrategyRetryWithDelay {
			terminal = ErrRateLimitExhausted
		}
		log.Warn().Err(err).Msg("recovery attempts exhausted")
		return s.fail(err, attempt, terminal, class)
	}

	strategy, ok := s.strategies[class.Strategy]
	if !ok {
		return s.fail(err, attempt, fmt.Errorf("no strategy for %s", class.Strategy), class)
	}
	log.Debug().Err(err).Msg("recovering")
	rerr := strategy(s, ctx, err, op, attempt)
	if rerr == nil {
		log.Info().Msg("recovered")
		return nil
	}
	var failed *RecoveryFailedError
	if errors.As(rerr, &failed) {
		return rerr
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(rerr, ctxErr) {
		return rerr
	}
	log.Warn().Err(rerr).Msg("recovery failed")
	return s.fail(err, attempt, rerr, class)
}

func (s *Service) fail(err error, attempts int, recoveryErr error, class Classification) error {
	failed := &RecoveryFailedError{Err: err, Attempts: attempts, RecoveryErr: recoveryErr}
	if s.opts.Notifier != nil {
		s.opts.Notifier.Notify(deepestMessage(failed), class.Severity)
	}
	return failed
}

// deepestMessage prefers the innermost store message over wrapper text.
func deepestMessage(failed *RecoveryFailedError) string {
	for _, candidate := range []error{failed.RecoveryErr, failed.Err} {
		if candidate == nil {
			continue
		}
		var storeErr *boardstore.Error
		if errors.As(candidate, &storeErr) && storeErr.Message != "" {
			return storeErr.Message
		}
	}
	if failed.RecoveryErr != nil {
		return failed.RecoveryErr.Error()
	}
	return failed.Err.Error()
}

// ResetAttempts clears the budget of every operation for errType.
func (s *Service) ResetAttempts(errType ErrorType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.attempts {
		if key.errType == errType {
			delete(s.attempts, key)
		}
	}
}

// ResetOperation clears the budget of one operation. An empty errType
// clears every type for that operation.
func (s *Service) ResetOperation(errType ErrorType, operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.attempts {
		if key.operation == operation && (errType == "" || key.errType == errType) {
			delete(s.attempts, key)
		}
	}
}

func (s *Service) Attempts(errType ErrorType, operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[attemptKey{errType: errType, operation: operation}]
}

// History returns the last n classifications, oldest first. n <= 0 returns
// all retained entries.
func (s *Service) History(n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if n > 0 && n < len(s.history) {
		start = len(s.history) - n
	}
	return append([]Record(nil), s.history[start:]...)
}

type Stats struct {
	Total      int               `json:"total"`
	ByType     map[ErrorType]int `json:"byType"`
	BySeverity map[Severity]int  `json:"bySeverity"`
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Total: len(s.history), ByType: map[ErrorType]int{}, BySeverity: map[Severity]int{}}
	for _, rec := range s.history {
		stats.ByType[rec.Type]++
		stats.BySeverity[rec.Severity]++
	}
	return stats
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
