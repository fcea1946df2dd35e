// Package boardsync mirrors a board JSON file on local disk into the state
// store and persists it through the save scheduler whenever the file
// settles after a write.
package boardsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/state"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const FileChangedReason = "file-changed"

// Saver is the slice of the save scheduler the mirror needs.
type Saver interface {
	ExecuteSave(ctx context.Context, reason string) error
}

type Options struct {
	Path string
	// StateFile defaults to a hidden file next to Path.
	StateFile string
	Store     *state.Store
	Saver     Saver
	// Debounce is how long the file must stay quiet before a cycle runs.
	Debounce time.Duration
	// Resync returns the wait before the next unprompted cycle, which retries
	// failed saves and catches missed events. Nil disables it.
	Resync func() time.Duration
	Logger zerolog.Logger
	Now    func() time.Time
}

type Mirror struct {
	path      string
	stateFile string
	store     *state.Store
	saver     Saver
	debounce  time.Duration
	resync    func() time.Duration
	log       zerolog.Logger
	now       func() time.Time

	arena  *board.Arena
	state  mirrorState
	loaded bool
}

type mirrorState struct {
	RemoteID string `json:"remoteId,omitempty"`
	LocalID  int64  `json:"localId,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// CycleResult describes one SyncOnce pass.
type CycleResult struct {
	Changed     bool
	AssignedIDs int
	Duplicates  int
	RemoteID    string
}

func NewMirror(opts Options) (*Mirror, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("board file path is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.Saver == nil {
		return nil, fmt.Errorf("saver is required")
	}
	path = filepath.Clean(path)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".relayboard-state.json")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Mirror{
		path:      path,
		stateFile: stateFile,
		store:     opts.Store,
		saver:     opts.Saver,
		debounce:  debounce,
		resync:    opts.Resync,
		log:       opts.Logger.With().Str("file", path).Logger(),
		now:       now,
		arena:     board.NewArena(),
	}, nil
}

// SyncOnce reads the board file and, when its content changed since the
// last successful cycle, loads it as the current board and saves it. Ids
// the file lacked are assigned once and written back to the file.
func (m *Mirror) SyncOnce(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	if err := m.loadState(); err != nil {
		return result, err
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.log.Debug().Msg("board file missing, nothing to mirror")
			return result, nil
		}
		return result, err
	}
	hash := hashBytes(data)
	if hash == m.state.Hash && m.store.CurrentBoard() != nil {
		result.RemoteID = m.state.RemoteID
		return result, nil
	}

	decoded, err := board.Decode(data)
	if err != nil {
		return result, fmt.Errorf("read %s: %w", m.path, err)
	}
	if decoded.RemoteID == "" {
		decoded.RemoteID = m.state.RemoteID
	}
	if m.state.LocalID != 0 {
		decoded.LocalID = m.state.LocalID
	}
	report := m.arena.Load(decoded, m.now())
	loaded := m.arena.Board()
	if err := loaded.Validate(); err != nil {
		return result, fmt.Errorf("validate %s: %w", m.path, err)
	}
	result.Changed = true
	result.AssignedIDs = report.Assigned
	result.Duplicates = report.Duplicates

	if report.Assigned > 0 || report.Duplicates > 0 {
		rewritten, err := json.MarshalIndent(loaded, "", "  ")
		if err != nil {
			return result, err
		}
		if err := writeFileAtomic(m.path, rewritten, 0o644); err != nil {
			return result, fmt.Errorf("write back %s: %w", m.path, err)
		}
		hash = hashBytes(rewritten)
		m.log.Info().Int("assigned", report.Assigned).Int("duplicates", report.Duplicates).Msg("board file normalized")
	}

	localID := m.store.AddBoard(loaded)
	m.store.SetCurrentBoard(localID)
	if err := m.saver.ExecuteSave(ctx, FileChangedReason); err != nil {
		return result, err
	}

	current := m.store.CurrentBoard()
	m.state = mirrorState{RemoteID: current.RemoteID, LocalID: localID, Hash: hash}
	result.RemoteID = current.RemoteID
	if err := m.saveState(); err != nil {
		return result, err
	}
	m.log.Info().Str("remoteId", current.RemoteID).Msg("board file mirrored")
	return result, nil
}

// Run mirrors the file until ctx is done. It watches the parent directory so
// editors that replace the file by rename are still seen.
func (m *Mirror) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	m.cycle(ctx)

	var timer *time.Timer
	var settled <-chan time.Time
	var resync *time.Timer
	var resyncC <-chan time.Time
	if m.resync != nil {
		resync = time.NewTimer(m.resync())
		resyncC = resync.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		if resync != nil {
			resync.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("mirror stopping")
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !m.relevant(event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(m.debounce)
			settled = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn().Err(err).Msg("watcher error")
		case <-settled:
			settled = nil
			m.cycle(ctx)
		case <-resyncC:
			m.cycle(ctx)
			resync.Reset(m.resync())
		}
	}
}

func (m *Mirror) cycle(ctx context.Context) {
	if _, err := m.SyncOnce(ctx); err != nil && ctx.Err() == nil {
		m.log.Error().Err(err).Msg("mirror cycle failed")
	}
}

func (m *Mirror) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != m.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (m *Mirror) loadState() error {
	if m.loaded {
		return nil
	}
	m.loaded = true
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var st mirrorState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("read mirror state %s: %w", m.stateFile, err)
	}
	m.state = st
	return nil
}

func (m *Mirror) saveState() error {
	data, err := json.Marshal(m.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(m.stateFile, data, 0o644)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
