package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/boardstore"
	"github.com/agentworkforce/relayboard/internal/recovery"
	"github.com/agentworkforce/relayboard/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSaver struct {
	inner boardstore.Client
	calls atomic.Int32
	fail  error
}

func (c *countingSaver) SaveBoard(ctx context.Context, b *board.Board) (boardstore.Document, error) {
	c.calls.Add(1)
	if c.fail != nil {
		return boardstore.Document{}, c.fail
	}
	return c.inner.SaveBoard(ctx, b)
}

type recordingIndicator struct {
	mu     sync.Mutex
	saved  int
	errors []error
}

func (r *recordingIndicator) ShowSaved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved++
}

func (r *recordingIndicator) ShowError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recordingIndicator) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved, len(r.errors)
}

func readyStore(t *testing.T) *boardstore.MemoryStore {
	t.Helper()
	store := boardstore.NewMemoryStore()
	svc := recovery.New(recovery.Options{Schema: store})
	_, err := svc.FixSchema(context.Background(), boardstore.BoardsCollection)
	require.NoError(t, err)
	return store
}

func newState(t *testing.T, name string) *state.Store {
	t.Helper()
	st := state.New(state.Options{})
	id := st.AddBoard(board.New(name))
	require.True(t, st.SetCurrentBoard(id))
	return st
}

func newScheduler(t *testing.T, st *state.Store, saver Saver, opts Options) (*Scheduler, *recordingIndicator) {
	t.Helper()
	ind := &recordingIndicator{}
	opts.Store = st
	opts.Client = saver
	opts.Indicator = ind
	opts.Logger = zerolog.Nop()
	if opts.DebounceDelay == 0 {
		opts.DebounceDelay = 30 * time.Millisecond
	}
	if opts.ScrollBuffer == 0 {
		opts.ScrollBuffer = 20 * time.Millisecond
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, ind
}

func TestRapidTransitionEndsCollapseToOneSave(t *testing.T) {
	saver := &countingSaver{inner: readyStore(t)}
	s, _ := newScheduler(t, newState(t, "b"), saver, Options{})

	s.StartDrag("folder", "folder-1")
	for i := 0; i < 20; i++ {
		s.TransitionEnded("folder", "folder-1")
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool { return s.Phase("folder") == PhaseSaved }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), saver.calls.Load())
}

func TestStopDragBeforeTimerCancelsSave(t *testing.T) {
	saver := &countingSaver{inner: readyStore(t)}
	s, _ := newScheduler(t, newState(t, "b"), saver, Options{DebounceDelay: 80 * time.Millisecond})

	s.StartDrag("bookmark", "bm-1")
	s.TransitionEnded("bookmark", "bm-1")
	assert.Equal(t, PhaseScheduled, s.Phase("bookmark"))
	s.StopDrag()

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, saver.calls.Load())
	assert.Equal(t, PhaseIdle, s.Phase("bookmark"))
}

func TestStopDragOnlyCancelsNamedKind(t *testing.T) {
	saver := &countingSaver{inner: readyStore(t)}
	s, _ := newScheduler(t, newState(t, "b"), saver, Options{})

	s.StartDrag("folder")
	s.EndDrag("folder")
	s.StartDrag("header")
	s.EndDrag("header")
	s.StopDrag("header")

	require.Eventually(t, func() bool { return s.Phase("folder") == PhaseSaved }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, PhaseIdle, s.Phase("header"))
	assert.Equal(t, int32(1), saver.calls.Load())
}

func TestSaveWaitsForEveryElement(t *testing.T) {
	saver := &countingSaver{inner: readyStore(t)}
	st := newState(t, "b")
	s, _ := newScheduler(t, st, saver, Options{})

	s.StartDrag("file", "a", "b")
	assert.Equal(t, PhaseDragging, s.Phase("file"))
	assert.Equal(t, []string{"a", "b"}, st.DraggedItems())
	s.TransitionEnded("file", "a")
	assert.Equal(t, PhaseAwaitingTransitionEnd, s.Phase("file"))

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, saver.calls.Load())

	s.TransitionEnded("file", "b")
	require.Eventually(t, func() bool { return s.Phase("file") == PhaseSaved }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), saver.calls.Load())
}

func TestScrollHoldsSaveUntilSettled(t *testing.T) {
	saver := &countingSaver{inner: readyStore(t)}
	s, _ := newScheduler(t, newState(t, "b"), saver, Options{})

	s.StartDrag("folder", "f")
	s.ScrollStarted("folder")
	s.TransitionEnded("folder", "f")
	assert.Equal(t, PhaseAwaitingScrollEnd, s.Phase("folder"))
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, saver.calls.Load())

	s.ScrollSettled("folder")
	assert.Equal(t, PhaseScheduled, s.Phase("folder"))
	require.Eventually(t, func() bool { return s.Phase("folder") == PhaseSaved }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), saver.calls.Load())
}

func TestNewGestureReplacesPendingSave(t *testing.T) {
	saver := &countingSaver{inner: readyStore(t)}
	s, _ := newScheduler(t, newState(t, "b"), saver, Options{DebounceDelay: 60 * time.Millisecond})

	s.StartDrag("folder")
	s.EndDrag("folder")
	s.StartDrag("folder", "x")
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, saver.calls.Load())
	assert.Equal(t, PhaseDragging, s.Phase("folder"))
}

func TestExecuteSaveWritesRemoteIDBack(t *testing.T) {
	store := readyStore(t)
	st := newState(t, "b")
	s, ind := newScheduler(t, st, store, Options{})

	require.NoError(t, s.ExecuteSave(context.Background(), "create"))
	remoteID := st.CurrentBoard().RemoteID
	require.NotEmpty(t, remoteID)

	require.NoError(t, s.ExecuteSave(context.Background(), "update"))
	assert.Equal(t, remoteID, st.CurrentBoard().RemoteID)
	docs, err := store.ListDocuments(context.Background(), boardstore.BoardsCollection, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	saved, failed := ind.counts()
	assert.Equal(t, 2, saved)
	assert.Zero(t, failed)
}

func TestConcurrentSavesOverwriteWholeDocument(t *testing.T) {
	store := readyStore(t)
	st := newState(t, "initial")
	s, ind := newScheduler(t, st, store, Options{})
	require.NoError(t, s.ExecuteSave(context.Background(), "create"))

	st.UpdateCurrentBoard(func(b *board.Board) {
		b.Name = "first"
		b.AddFolder(board.Folder{Title: "one"})
	})
	s.SaveAfterAction("first")
	st.UpdateCurrentBoard(func(b *board.Board) {
		b.Name = "second"
		b.Folders = nil
		b.AddHeader(board.CanvasHeader{Text: "two"})
	})
	s.SaveAfterAction("second")
	s.Wait()

	saved, failed := ind.counts()
	assert.Equal(t, 3, saved)
	assert.Zero(t, failed)

	final, err := store.LoadBoard(context.Background(), st.CurrentBoard().RemoteID)
	require.NoError(t, err)
	switch final.Name {
	case "first":
		assert.Len(t, final.Folders, 1)
		assert.Empty(t, final.CanvasHeaders)
	case "second":
		assert.Empty(t, final.Folders)
		assert.Len(t, final.CanvasHeaders, 1)
	default:
		t.Fatalf("final state %q is neither snapshot", final.Name)
	}
}

func TestRecoveryRepairsMissingCollection(t *testing.T) {
	store := boardstore.NewMemoryStore()
	svc := recovery.New(recovery.Options{Schema: store, Logger: zerolog.Nop()})
	st := newState(t, "b")
	s, ind := newScheduler(t, st, store, Options{Recovery: svc})

	require.NoError(t, s.ExecuteSave(context.Background(), "first save"))
	assert.NotEmpty(t, st.CurrentBoard().RemoteID)
	saved, failed := ind.counts()
	assert.Equal(t, 1, saved)
	assert.Zero(t, failed)
	assert.Zero(t, svc.Attempts(recovery.TypeNotFound, SaveOperation))
}

func TestTerminalFailureShowsErrorOnce(t *testing.T) {
	network := &boardstore.Error{Kind: boardstore.KindNetwork, Op: "save board", Message: "connection refused"}
	saver := &countingSaver{fail: network}
	svc := recovery.New(recovery.Options{
		Sleep:  func(context.Context, time.Duration) error { return nil },
		Logger: zerolog.Nop(),
	})
	s, ind := newScheduler(t, newState(t, "b"), saver, Options{Recovery: svc})

	err := s.ExecuteSave(context.Background(), "drop")
	require.Error(t, err)
	var failed *recovery.RecoveryFailedError
	assert.True(t, errors.As(err, &failed))
	assert.ErrorIs(t, err, network)
	assert.Equal(t, int32(4), saver.calls.Load())
	saved, shown := ind.counts()
	assert.Zero(t, saved)
	assert.Equal(t, 1, shown)
}

func TestNoCurrentBoard(t *testing.T) {
	saver := &countingSaver{inner: readyStore(t)}
	s, _ := newScheduler(t, state.New(state.Options{}), saver, Options{})
	assert.ErrorIs(t, s.ExecuteSave(context.Background(), "x"), ErrNoCurrentBoard)
	s.SaveAfterAction("x")
	s.Wait()
	assert.Zero(t, saver.calls.Load())
}

func TestFlushRunsPendingSaveNow(t *testing.T) {
	saver := &countingSaver{inner: readyStore(t)}
	s, _ := newScheduler(t, newState(t, "b"), saver, Options{DebounceDelay: time.Hour})

	require.NoError(t, s.Flush(context.Background()))
	assert.Zero(t, saver.calls.Load())

	s.StartDrag("folder")
	s.EndDrag("folder")
	s.StartDrag("header")
	s.EndDrag("header")
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, int32(1), saver.calls.Load())
	assert.Equal(t, PhaseSaved, s.Phase("folder"))
	assert.Equal(t, PhaseSaved, s.Phase("header"))
}

func TestDuplicateBookmarkIsNotSaved(t *testing.T) {
	store := readyStore(t)
	saver := &countingSaver{inner: store}
	st := newState(t, "b")
	s, ind := newScheduler(t, st, saver, Options{})

	st.UpdateCurrentBoard(func(b *board.Board) {
		file := b.AddFolder(board.Folder{Title: "reading"}).AddFile(board.File{Title: "go"})
		bm, err := file.AddSection("notes", time.Now()).AddBookmark(board.Bookmark{URL: "https://go.dev"})
		require.NoError(t, err)
		_, err = file.Section(file.Sections[0].ID).AddBookmark(bm)
		assert.ErrorIs(t, err, board.ErrDuplicateID)
		// a second section on the same file takes the id by hand.
		other := file.AddSection("later", time.Now().Add(time.Millisecond))
		other.Bookmarks = append(other.Bookmarks, bm)
	})

	err := s.ExecuteSave(context.Background(), "duplicate")
	assert.ErrorIs(t, err, board.ErrDuplicateID)
	assert.Zero(t, saver.calls.Load())
	assert.Empty(t, st.CurrentBoard().RemoteID)
	docs, err := store.ListDocuments(context.Background(), boardstore.BoardsCollection, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
	saved, failed := ind.counts()
	assert.Zero(t, saved)
	assert.Equal(t, 1, failed)
}

// heldSaver parks every call until the test releases it.
type heldSaver struct {
	inner   boardstore.Client
	arrived chan chan struct{}
}

func (h *heldSaver) SaveBoard(ctx context.Context, b *board.Board) (boardstore.Document, error) {
	release := make(chan struct{})
	h.arrived <- release
	<-release
	return h.inner.SaveBoard(ctx, b)
}

func TestConcurrentFirstSavesKeepFirstRemoteID(t *testing.T) {
	store := readyStore(t)
	saver := &heldSaver{inner: store, arrived: make(chan chan struct{}, 2)}
	st := newState(t, "b")
	s, ind := newScheduler(t, st, saver, Options{})

	var wg sync.WaitGroup
	for _, reason := range []string{"one", "two"} {
		wg.Add(1)
		go func(reason string) {
			defer wg.Done()
			assert.NoError(t, s.ExecuteSave(context.Background(), reason))
		}(reason)
	}
	first, second := <-saver.arrived, <-saver.arrived

	close(first)
	require.Eventually(t, func() bool { return st.CurrentBoard().RemoteID != "" }, time.Second, 5*time.Millisecond)
	landed := st.CurrentBoard().RemoteID
	close(second)
	wg.Wait()

	docs, err := store.ListDocuments(context.Background(), boardstore.BoardsCollection, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	ids := []string{docs[0].ID, docs[1].ID}
	assert.Contains(t, ids, landed)
	assert.Equal(t, landed, st.CurrentBoard().RemoteID)
	saved, failed := ind.counts()
	assert.Equal(t, 2, saved)
	assert.Zero(t, failed)
}
