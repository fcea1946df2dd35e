// Package persist decides when the current board is written to the remote
// store. Saves are whole-document overwrites and are not serialized: two
// saves in flight resolve as whichever response lands last.
package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/boardstore"
	"github.com/agentworkforce/relayboard/internal/recovery"
	"github.com/agentworkforce/relayboard/internal/state"
	"github.com/rs/zerolog"
)

const SaveOperation = "saveBoard"

var ErrNoCurrentBoard = errors.New("no current board")

type Saver interface {
	SaveBoard(ctx context.Context, b *board.Board) (boardstore.Document, error)
}

// Indicator surfaces save outcomes to the user. Retries are not reported.
type Indicator interface {
	ShowSaved()
	ShowError(err error)
}

type Recoverer interface {
	Recover(ctx context.Context, err error, op recovery.Operation) error
	ResetAttempts(errType recovery.ErrorType)
	ResetOperation(errType recovery.ErrorType, operation string)
}

type Options struct {
	Store     *state.Store
	Client    Saver
	Indicator Indicator
	Recovery  Recoverer
	Logger    zerolog.Logger

	DebounceDelay time.Duration
	ScrollBuffer  time.Duration
	// SaveTimeout bounds one save including recovery. Zero leaves the bound
	// to the client.
	SaveTimeout time.Duration
}

type Scheduler struct {
	store     *state.Store
	client    Saver
	indicator Indicator
	recovery  Recoverer
	log       zerolog.Logger

	debounce     time.Duration
	scrollBuffer time.Duration
	saveTimeout  time.Duration

	mu       sync.Mutex
	gestures map[string]*gesture
	closed   bool
	inflight sync.WaitGroup
}

func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil || opts.Client == nil {
		return nil, errors.New("persist: store and client are required")
	}
	if opts.DebounceDelay <= 0 {
		opts.DebounceDelay = 200 * time.Millisecond
	}
	if opts.ScrollBuffer <= 0 {
		opts.ScrollBuffer = 100 * time.Millisecond
	}
	indicator := opts.Indicator
	if indicator == nil {
		indicator = nopIndicator{}
	}
	return &Scheduler{
		store:        opts.Store,
		client:       opts.Client,
		indicator:    indicator,
		recovery:     opts.Recovery,
		log:          opts.Logger,
		debounce:     opts.DebounceDelay,
		scrollBuffer: opts.ScrollBuffer,
		saveTimeout:  opts.SaveTimeout,
		gestures:     map[string]*gesture{},
	}, nil
}

// SaveAfterAction snapshots the current board now and saves it in the
// background. It never blocks and never reports an error to the caller.
func (s *Scheduler) SaveAfterAction(reason string) {
	snap := s.store.CurrentBoardSnapshot()
	if snap == nil {
		s.log.Debug().Str("reason", reason).Msg("no current board to save")
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.inflight.Done()
		_ = s.saveSnapshot(context.Background(), reason, snap)
	}()
}

// ExecuteSave writes the whole current board. Every scheduling path ends
// here.
func (s *Scheduler) ExecuteSave(ctx context.Context, reason string) error {
	snap := s.store.CurrentBoardSnapshot()
	if snap == nil {
		return ErrNoCurrentBoard
	}
	return s.saveSnapshot(ctx, reason, snap)
}

func (s *Scheduler) saveSnapshot(ctx context.Context, reason string, snap *board.Board) error {
	if s.saveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.saveTimeout)
		defer cancel()
	}
	log := s.log.With().Str("reason", reason).Int64("board", snap.LocalID).Logger()
	started := time.Now()

	// A board that fails validation never reaches the client or recovery.
	if err := snap.Validate(); err != nil {
		log.Error().Err(err).Msg("board rejected before save")
		s.indicator.ShowError(err)
		return err
	}

	doc, err := s.client.SaveBoard(ctx, snap)
	if err != nil && s.recovery != nil {
		firstType := recovery.Classify(err).Type
		op := recovery.Operation{
			Name:       SaveOperation,
			Collection: boardstore.BoardsCollection,
			Run: func(ctx context.Context) error {
				d, err := s.client.SaveBoard(ctx, snap)
				if err == nil {
					doc = d
				}
				return err
			},
		}
		log.Warn().Err(err).Str("errorType", string(firstType)).Msg("save failed, recovering")
		err = s.recovery.Recover(ctx, err, op)
		if err == nil {
			s.recovery.ResetAttempts(firstType)
		}
	}
	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("save failed")
		s.indicator.ShowError(err)
		return err
	}

	if snap.RemoteID == "" && doc.ID != "" {
		s.store.UpdateBoard(snap.LocalID, func(b *board.Board) {
			if b.RemoteID == "" {
				b.RemoteID = doc.ID
			}
		})
	}
	if s.recovery != nil {
		s.recovery.ResetOperation("", SaveOperation)
	}
	log.Info().Str("remoteId", doc.ID).Dur("elapsed", time.Since(started)).Msg("board saved")
	s.indicator.ShowSaved()
	return nil
}

// Wait blocks until every background save has returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Close cancels pending gesture saves and waits for saves already running.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for kind, g := range s.gestures {
		g.cancel()
		delete(s.gestures, kind)
	}
	s.mu.Unlock()
	s.Wait()
}

type nopIndicator struct{}

func (nopIndicator) ShowSaved()      {}
func (nopIndicator) ShowError(error) {}

// IndicatorFuncs adapts plain functions to Indicator. Nil fields are ignored.
type IndicatorFuncs struct {
	Saved func()
	Error func(err error)
}

func (f IndicatorFuncs) ShowSaved() {
	if f.Saved != nil {
		f.Saved()
	}
}

func (f IndicatorFuncs) ShowError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}
