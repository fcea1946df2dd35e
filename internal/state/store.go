// Package state holds the in-memory application slots every whiteboard
// component reads and writes. It never persists anything itself.
package state

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/relayboard/internal/board"
)

const (
	SlotBoards         = "boards"
	SlotSelectedItems  = "selectedItems"
	SlotCurrentBoardID = "currentBoardId"
	SlotDraggedItems   = "draggedItems"
	SlotDropTarget     = "dropTarget"
	SlotFeatureFlags   = "featureFlags"
)

type Options struct {
	InitialZIndex int
	Flags         map[string]bool
}

// Store is a last-write-wins table of named slots plus the z-index and
// local board id counters. It is passed to every component explicitly.
type Store struct {
	mu     sync.RWMutex
	slots  map[string]any
	zIndex atomic.Int64
	nextID atomic.Int64
}

func New(opts Options) *Store {
	flags := make(map[string]bool, len(opts.Flags))
	for name, on := range opts.Flags {
		flags[name] = on
	}
	s := &Store{
		slots: map[string]any{
			SlotBoards:         []*board.Board{},
			SlotSelectedItems:  []string{},
			SlotCurrentBoardID: nil,
			SlotDraggedItems:   []string(nil),
			SlotDropTarget:     nil,
			SlotFeatureFlags:   flags,
		},
	}
	s.zIndex.Store(int64(opts.InitialZIndex))
	return s
}

// Get returns the slot value. An unset slot yields (nil, false).
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.slots[key]
	return v, ok
}

func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[key] = value
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.slots))
	for k := range s.slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NextZIndex returns a strictly increasing value for the process lifetime.
func (s *Store) NextZIndex() int {
	return int(s.zIndex.Add(1))
}

func (s *Store) NextLocalID() int64 {
	return s.nextID.Add(1)
}

func (s *Store) Boards() []*board.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()
	boards, _ := s.slots[SlotBoards].([]*board.Board)
	return append([]*board.Board(nil), boards...)
}

// AddBoard registers b, assigning a local id when it has none, and returns
// that id.
func (s *Store) AddBoard(b *board.Board) int64 {
	if b.LocalID == 0 {
		b.LocalID = s.NextLocalID()
	} else {
		for {
			cur := s.nextID.Load()
			if b.LocalID <= cur || s.nextID.CompareAndSwap(cur, b.LocalID) {
				break
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	boards, _ := s.slots[SlotBoards].([]*board.Board)
	for i, existing := range boards {
		if existing.LocalID == b.LocalID {
			boards[i] = b
			return b.LocalID
		}
	}
	s.slots[SlotBoards] = append(boards, b)
	return b.LocalID
}

func (s *Store) SetCurrentBoard(localID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(localID) == nil {
		return false
	}
	s.slots[SlotCurrentBoardID] = localID
	return true
}

func (s *Store) CurrentBoardID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.slots[SlotCurrentBoardID].(int64)
	return id, ok
}

// CurrentBoard returns the live current board, or nil when none is set.
// Mutations should go through UpdateCurrentBoard so concurrent snapshots
// never observe a half-applied change.
func (s *Store) CurrentBoard() *board.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLocked()
}

func (s *Store) CurrentBoardSnapshot() *board.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLocked().Clone()
}

func (s *Store) UpdateCurrentBoard(fn func(b *board.Board)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.currentLocked()
	if b == nil {
		return false
	}
	fn(b)
	return true
}

func (s *Store) UpdateBoard(localID int64, fn func(b *board.Board)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.findLocked(localID)
	if b == nil {
		return false
	}
	fn(b)
	return true
}

func (s *Store) currentLocked() *board.Board {
	id, ok := s.slots[SlotCurrentBoardID].(int64)
	if !ok {
		return nil
	}
	return s.findLocked(id)
}

func (s *Store) findLocked(localID int64) *board.Board {
	boards, _ := s.slots[SlotBoards].([]*board.Board)
	for _, b := range boards {
		if b.LocalID == localID {
			return b
		}
	}
	return nil
}

func (s *Store) SelectedItems() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items, _ := s.slots[SlotSelectedItems].([]string)
	return append([]string(nil), items...)
}

func (s *Store) SetSelectedItems(ids []string) {
	s.Set(SlotSelectedItems, append([]string{}, ids...))
}

func (s *Store) DraggedItems() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items, _ := s.slots[SlotDraggedItems].([]string)
	return append([]string(nil), items...)
}

func (s *Store) SetDraggedItems(ids []string) {
	s.Set(SlotDraggedItems, append([]string(nil), ids...))
}

func (s *Store) Flag(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flags, _ := s.slots[SlotFeatureFlags].(map[string]bool)
	return flags[name]
}

func (s *Store) SetFlag(name string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flags, _ := s.slots[SlotFeatureFlags].(map[string]bool)
	next := make(map[string]bool, len(flags)+1)
	for k, v := range flags {
		next[k] = v
	}
	next[name] = on
	s.slots[SlotFeatureFlags] = next
}
