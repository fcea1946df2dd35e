package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateID     = errors.New("duplicate id")
	ErrDoubleOwnership = errors.New("bookmark owned by file and section")
)

const (
	MaxNameLength  = 255
	MaxTitleLength = 255
)

type Position struct {
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

type Bookmark struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	Screenshot  string    `json:"screenshot,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type Section struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content,omitempty"`
	Bookmarks []Bookmark `json:"bookmarks"`
}

// File holds bookmarks either directly (the legacy layout) or under its
// sections. A bookmark id never appears in both places.
type File struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Bookmarks []Bookmark `json:"bookmarks,omitempty"`
	Sections  []Section  `json:"sections"`
}

type Folder struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Position Position `json:"position"`
	ZIndex   int      `json:"zIndex"`
	Files    []File   `json:"files"`
}

type CanvasHeader struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Position Position `json:"position"`
	ZIndex   int      `json:"zIndex"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type DrawingPath struct {
	ID     string  `json:"id"`
	Points []Point `json:"points"`
	Color  string  `json:"color,omitempty"`
	Width  float64 `json:"width,omitempty"`
}

// Board is the whole persisted document. RemoteID stays empty until the
// first successful create against the remote store.
type Board struct {
	LocalID       int64          `json:"localId"`
	RemoteID      string         `json:"remoteId,omitempty"`
	Name          string         `json:"name"`
	Folders       []Folder       `json:"folders"`
	CanvasHeaders []CanvasHeader `json:"canvasHeaders"`
	DrawingPaths  []DrawingPath  `json:"drawingPaths"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func New(name string) *Board {
	return &Board{
		Name:          name,
		Folders:       []Folder{},
		CanvasHeaders: []CanvasHeader{},
		DrawingPaths:  []DrawingPath{},
	}
}

func (b *Board) Clone() *Board {
	if b == nil {
		return nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil
	}
	var clone Board
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil
	}
	return &clone
}

func (b *Board) FolderIndex(id string) int {
	for i := range b.Folders {
		if b.Folders[i].ID == id {
			return i
		}
	}
	return -1
}

func (b *Board) Folder(id string) *Folder {
	if idx := b.FolderIndex(id); idx >= 0 {
		return &b.Folders[idx]
	}
	return nil
}

func (b *Board) AddFolder(f Folder) *Folder {
	if f.ID == "" {
		f.ID = NewID("folder")
	}
	if f.Files == nil {
		f.Files = []File{}
	}
	b.Folders = append(b.Folders, f)
	return &b.Folders[len(b.Folders)-1]
}

// RemoveFolder deletes the folder and shifts its successors down so the
// folder indexes stay contiguous.
func (b *Board) RemoveFolder(id string) bool {
	idx := b.FolderIndex(id)
	if idx < 0 {
		return false
	}
	b.Folders = append(b.Folders[:idx], b.Folders[idx+1:]...)
	return true
}

// File looks up a file across every folder.
func (b *Board) File(id string) (*Folder, *File) {
	for i := range b.Folders {
		for j := range b.Folders[i].Files {
			if b.Folders[i].Files[j].ID == id {
				return &b.Folders[i], &b.Folders[i].Files[j]
			}
		}
	}
	return nil, nil
}

// AddBookmark places bm under the file or section ownerID. Unlike the
// file and section methods it rejects an id used anywhere on the board.
func (b *Board) AddBookmark(ownerID string, bm Bookmark) (Bookmark, error) {
	bm = withBookmarkID(bm)
	if b.HasID(bm.ID) {
		return Bookmark{}, fmt.Errorf("%w: %s", ErrDuplicateID, bm.ID)
	}
	for i := range b.Folders {
		for j := range b.Folders[i].Files {
			file := &b.Folders[i].Files[j]
			if file.ID == ownerID {
				return file.AddBookmark(bm)
			}
			if sec := file.Section(ownerID); sec != nil {
				return sec.AddBookmark(bm)
			}
		}
	}
	return Bookmark{}, fmt.Errorf("%w: owner %s", ErrNotFound, ownerID)
}

// HasID reports whether any entity on the board carries id.
func (b *Board) HasID(id string) bool {
	for _, folder := range b.Folders {
		if folder.ID == id {
			return true
		}
		for k := range folder.Files {
			if folder.Files[k].ID == id || folder.Files[k].holds(id) {
				return true
			}
		}
	}
	for _, h := range b.CanvasHeaders {
		if h.ID == id {
			return true
		}
	}
	for _, p := range b.DrawingPaths {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (b *Board) AddHeader(h CanvasHeader) *CanvasHeader {
	if h.ID == "" {
		h.ID = NewID("header")
	}
	b.CanvasHeaders = append(b.CanvasHeaders, h)
	return &b.CanvasHeaders[len(b.CanvasHeaders)-1]
}

func (b *Board) RemoveHeader(id string) bool {
	for i := range b.CanvasHeaders {
		if b.CanvasHeaders[i].ID == id {
			b.CanvasHeaders = append(b.CanvasHeaders[:i], b.CanvasHeaders[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Board) AddPath(p DrawingPath) *DrawingPath {
	if p.ID == "" {
		p.ID = NewID("path")
	}
	b.DrawingPaths = append(b.DrawingPaths, p)
	return &b.DrawingPaths[len(b.DrawingPaths)-1]
}

func (f *Folder) AddFile(file File) *File {
	if file.ID == "" {
		file.ID = NewID("file")
	}
	if file.Sections == nil {
		file.Sections = []Section{}
	}
	f.Files = append(f.Files, file)
	return &f.Files[len(f.Files)-1]
}

func (f *Folder) RemoveFile(id string) bool {
	for i := range f.Files {
		if f.Files[i].ID == id {
			f.Files = append(f.Files[:i], f.Files[i+1:]...)
			return true
		}
	}
	return false
}

func (f *File) Section(id string) *Section {
	for i := range f.Sections {
		if f.Sections[i].ID == id {
			return &f.Sections[i]
		}
	}
	return nil
}

func (f *File) AddSection(title string, now time.Time) *Section {
	f.Sections = append(f.Sections, Section{
		ID:        NewSectionID(now),
		Title:     title,
		Bookmarks: []Bookmark{},
	})
	return &f.Sections[len(f.Sections)-1]
}

func (f *File) RemoveSection(id string) bool {
	for i := range f.Sections {
		if f.Sections[i].ID == id {
			f.Sections = append(f.Sections[:i], f.Sections[i+1:]...)
			return true
		}
	}
	return false
}

// AddBookmark appends a legacy file-level bookmark. An id already held by the
// file or one of its sections is rejected.
func (f *File) AddBookmark(bm Bookmark) (Bookmark, error) {
	bm = withBookmarkID(bm)
	if f.holds(bm.ID) {
		return Bookmark{}, fmt.Errorf("%w: %s in file %s", ErrDuplicateID, bm.ID, f.ID)
	}
	f.Bookmarks = append(f.Bookmarks, bm)
	return bm, nil
}

func (f *File) holds(id string) bool {
	if bookmarkIndex(f.Bookmarks, id) >= 0 {
		return true
	}
	for i := range f.Sections {
		if f.Sections[i].ID == id || bookmarkIndex(f.Sections[i].Bookmarks, id) >= 0 {
			return true
		}
	}
	return false
}

func (f *File) RemoveBookmark(id string) bool {
	var ok bool
	f.Bookmarks, ok = removeBookmark(f.Bookmarks, id)
	return ok
}

// MoveBookmarkToSection moves a legacy file-level bookmark under a section.
// The bookmark keeps its id and is removed from the file-level list.
func (f *File) MoveBookmarkToSection(bookmarkID, sectionID string) error {
	sec := f.Section(sectionID)
	if sec == nil {
		return fmt.Errorf("%w: section %s", ErrNotFound, sectionID)
	}
	idx := bookmarkIndex(f.Bookmarks, bookmarkID)
	if idx < 0 {
		return fmt.Errorf("%w: bookmark %s", ErrNotFound, bookmarkID)
	}
	bm := f.Bookmarks[idx]
	f.Bookmarks = append(f.Bookmarks[:idx], f.Bookmarks[idx+1:]...)
	sec.Bookmarks = append(sec.Bookmarks, bm)
	return nil
}

func (s *Section) AddBookmark(bm Bookmark) (Bookmark, error) {
	bm = withBookmarkID(bm)
	if bookmarkIndex(s.Bookmarks, bm.ID) >= 0 {
		return Bookmark{}, fmt.Errorf("%w: %s in section %s", ErrDuplicateID, bm.ID, s.ID)
	}
	s.Bookmarks = append(s.Bookmarks, bm)
	return bm, nil
}

func (s *Section) RemoveBookmark(id string) bool {
	var ok bool
	s.Bookmarks, ok = removeBookmark(s.Bookmarks, id)
	return ok
}

// ReorderBookmarks rearranges the section to follow ids. Ids that are not in
// the section are rejected; bookmarks missing from ids keep their relative
// order at the end.
func (s *Section) ReorderBookmarks(ids []string) error {
	byID := make(map[string]Bookmark, len(s.Bookmarks))
	for _, bm := range s.Bookmarks {
		byID[bm.ID] = bm
	}
	ordered := make([]Bookmark, 0, len(s.Bookmarks))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		bm, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: bookmark %s", ErrNotFound, id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, bm)
	}
	for _, bm := range s.Bookmarks {
		if _, ok := seen[bm.ID]; !ok {
			ordered = append(ordered, bm)
		}
	}
	s.Bookmarks = ordered
	return nil
}

func withBookmarkID(bm Bookmark) Bookmark {
	if bm.ID == "" {
		bm.ID = NewID("")
	}
	if bm.Timestamp.IsZero() {
		bm.Timestamp = time.Now().UTC()
	}
	return bm
}

func bookmarkIndex(list []Bookmark, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func removeBookmark(list []Bookmark, id string) ([]Bookmark, bool) {
	idx := bookmarkIndex(list, id)
	if idx < 0 {
		return list, false
	}
	return append(list[:idx], list[idx+1:]...), true
}
