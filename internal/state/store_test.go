package state

import (
	"sync"
	"testing"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreSafe(t *testing.T) {
	s := New(Options{})
	boards, ok := s.Get(SlotBoards)
	require.True(t, ok)
	assert.Empty(t, boards)

	v, ok := s.Get("neverSet")
	assert.False(t, ok)
	assert.Nil(t, v)

	assert.Nil(t, s.CurrentBoard())
	assert.Nil(t, s.CurrentBoardSnapshot())
	assert.Empty(t, s.SelectedItems())
	assert.False(t, s.Flag("liveSync"))
	assert.False(t, s.UpdateCurrentBoard(func(*board.Board) {}))
}

func TestSetIsLastWriteWins(t *testing.T) {
	s := New(Options{})
	s.Set("theme", "dark")
	s.Set("theme", "light")
	v, _ := s.Get("theme")
	assert.Equal(t, "light", v)
}

func TestNextZIndexIsStrictlyIncreasing(t *testing.T) {
	s := New(Options{InitialZIndex: 10})
	prev := 10
	for i := 0; i < 1000; i++ {
		next := s.NextZIndex()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestNextZIndexNeverRepeatsAcrossGoroutines(t *testing.T) {
	s := New(Options{})
	var mu sync.Mutex
	seen := map[int]struct{}{}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				z := s.NextZIndex()
				mu.Lock()
				seen[z] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 2000)
}

func TestCurrentBoardSnapshotIsDetached(t *testing.T) {
	s := New(Options{})
	b := board.New("main")
	id := s.AddBoard(b)
	require.True(t, s.SetCurrentBoard(id))

	snap := s.CurrentBoardSnapshot()
	require.NotNil(t, snap)
	snap.Name = "changed"
	assert.Equal(t, "main", s.CurrentBoard().Name)

	require.True(t, s.UpdateCurrentBoard(func(b *board.Board) { b.Name = "renamed" }))
	assert.Equal(t, "renamed", s.CurrentBoard().Name)
}

func TestAddBoardKeepsLocalIDsUnique(t *testing.T) {
	s := New(Options{})
	first := s.AddBoard(board.New("a"))
	preset := board.New("b")
	preset.LocalID = 40
	s.AddBoard(preset)
	next := s.AddBoard(board.New("c"))

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(41), next)
	assert.Len(t, s.Boards(), 3)
	assert.False(t, s.SetCurrentBoard(999))
}

func TestFlagsAreCopiedOnWrite(t *testing.T) {
	initial := map[string]bool{"drawing": true}
	s := New(Options{Flags: initial})
	s.SetFlag("drawing", false)
	assert.True(t, initial["drawing"])
	assert.False(t, s.Flag("drawing"))
}
