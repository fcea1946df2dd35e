package board

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Arena is the single authoritative table of a board's entities, keyed by
// id. Both the live board and the persisted snapshot are projections of it:
// Load ingests a snapshot without re-deriving ids and Board renders one.
type Arena struct {
	mu sync.RWMutex

	meta        Board
	folders     map[string]*folderNode
	folderOrder []string
	files       map[string]*fileNode
	sections    map[string]*sectionNode
	bookmarks   map[string]Bookmark
	owner       map[string]string
	headers     map[string]CanvasHeader
	headerOrder []string
	paths       map[string]DrawingPath
	pathOrder   []string
}

type folderNode struct {
	folder Folder
	files  []string
}

type fileNode struct {
	file      File
	folderID  string
	bookmarks []string
	sections  []string
}

type sectionNode struct {
	section   Section
	fileID    string
	bookmarks []string
}

type LoadReport struct {
	Assigned   int
	Duplicates int
}

func NewArena() *Arena {
	a := &Arena{}
	a.reset()
	return a
}

func (a *Arena) reset() {
	a.meta = Board{}
	a.folders = map[string]*folderNode{}
	a.folderOrder = nil
	a.files = map[string]*fileNode{}
	a.sections = map[string]*sectionNode{}
	a.bookmarks = map[string]Bookmark{}
	a.owner = map[string]string{}
	a.headers = map[string]CanvasHeader{}
	a.headerOrder = nil
	a.paths = map[string]DrawingPath{}
	a.pathOrder = nil
}

// Load replaces the arena contents with the entities of b. Empty ids are
// assigned once; an id seen a second time is dropped (first occurrence
// wins), which also settles a bookmark listed under both a file and one of
// its sections.
func (a *Arena) Load(b *Board, now time.Time) LoadReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	var report LoadReport
	if b == nil {
		return report
	}
	a.meta = Board{
		LocalID:   b.LocalID,
		RemoteID:  b.RemoteID,
		Name:      b.Name,
		UpdatedAt: b.UpdatedAt,
	}
	ensure := func(id string, gen func() string) string {
		if strings.TrimSpace(id) == "" {
			report.Assigned++
			return gen()
		}
		return id
	}

	for _, folder := range b.Folders {
		folder.ID = ensure(folder.ID, func() string { return NewID("folder") })
		if _, dup := a.folders[folder.ID]; dup {
			report.Duplicates++
			continue
		}
		node := &folderNode{folder: folder}
		node.folder.Files = nil
		a.folders[folder.ID] = node
		a.folderOrder = append(a.folderOrder, folder.ID)

		for _, file := range folder.Files {
			file.ID = ensure(file.ID, func() string { return NewID("file") })
			if _, dup := a.files[file.ID]; dup {
				report.Duplicates++
				continue
			}
			fnode := &fileNode{file: file, folderID: folder.ID}
			fnode.file.Bookmarks = nil
			fnode.file.Sections = nil
			a.files[file.ID] = fnode
			node.files = append(node.files, file.ID)

			for _, bm := range file.Bookmarks {
				bm.ID = ensure(bm.ID, func() string { return NewID("") })
				if !a.claimBookmarkLocked(bm, file.ID) {
					report.Duplicates++
					continue
				}
				fnode.bookmarks = append(fnode.bookmarks, bm.ID)
			}
			for _, sec := range file.Sections {
				sec.ID = ensure(sec.ID, func() string { return NewSectionID(now) })
				if _, dup := a.sections[sec.ID]; dup {
					report.Duplicates++
					continue
				}
				snode := &sectionNode{section: sec, fileID: file.ID}
				snode.section.Bookmarks = nil
				a.sections[sec.ID] = snode
				fnode.sections = append(fnode.sections, sec.ID)
				for _, bm := range sec.Bookmarks {
					bm.ID = ensure(bm.ID, func() string { return NewID("") })
					if !a.claimBookmarkLocked(bm, sec.ID) {
						report.Duplicates++
						continue
					}
					snode.bookmarks = append(snode.bookmarks, bm.ID)
				}
			}
		}
	}
	for _, h := range b.CanvasHeaders {
		h.ID = ensure(h.ID, func() string { return NewID("header") })
		if _, dup := a.headers[h.ID]; dup {
			report.Duplicates++
			continue
		}
		a.headers[h.ID] = h
		a.headerOrder = append(a.headerOrder, h.ID)
	}
	for _, p := range b.DrawingPaths {
		p.ID = ensure(p.ID, func() string { return NewID("path") })
		if _, dup := a.paths[p.ID]; dup {
			report.Duplicates++
			continue
		}
		a.paths[p.ID] = p
		a.pathOrder = append(a.pathOrder, p.ID)
	}
	return report
}

func (a *Arena) claimBookmarkLocked(bm Bookmark, ownerID string) bool {
	if _, taken := a.bookmarks[bm.ID]; taken {
		return false
	}
	a.bookmarks[bm.ID] = bm
	a.owner[bm.ID] = ownerID
	return true
}

// Board renders the current arena contents as a fresh Board value.
func (a *Arena) Board() *Board {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := &Board{
		LocalID:       a.meta.LocalID,
		RemoteID:      a.meta.RemoteID,
		Name:          a.meta.Name,
		UpdatedAt:     a.meta.UpdatedAt,
		Folders:       make([]Folder, 0, len(a.folderOrder)),
		CanvasHeaders: make([]CanvasHeader, 0, len(a.headerOrder)),
		DrawingPaths:  make([]DrawingPath, 0, len(a.pathOrder)),
	}
	for _, folderID := range a.folderOrder {
		node := a.folders[folderID]
		folder := node.folder
		folder.Files = make([]File, 0, len(node.files))
		for _, fileID := range node.files {
			fnode := a.files[fileID]
			file := fnode.file
			file.Bookmarks = a.bookmarkListLocked(fnode.bookmarks)
			file.Sections = make([]Section, 0, len(fnode.sections))
			for _, secID := range fnode.sections {
				snode := a.sections[secID]
				sec := snode.section
				sec.Bookmarks = a.bookmarkListLocked(snode.bookmarks)
				if sec.Bookmarks == nil {
					sec.Bookmarks = []Bookmark{}
				}
				file.Sections = append(file.Sections, sec)
			}
			folder.Files = append(folder.Files, file)
		}
		out.Folders = append(out.Folders, folder)
	}
	for _, id := range a.headerOrder {
		out.CanvasHeaders = append(out.CanvasHeaders, a.headers[id])
	}
	for _, id := range a.pathOrder {
		path := a.paths[id]
		path.Points = append([]Point{}, path.Points...)
		out.DrawingPaths = append(out.DrawingPaths, path)
	}
	return out
}

func (a *Arena) bookmarkListLocked(ids []string) []Bookmark {
	if len(ids) == 0 {
		return nil
	}
	out := make([]Bookmark, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.bookmarks[id])
	}
	return out
}

func (a *Arena) Bookmark(id string) (Bookmark, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	bm, ok := a.bookmarks[id]
	return bm, ok
}

// Owner reports the file or section id holding the bookmark.
func (a *Arena) Owner(bookmarkID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	owner, ok := a.owner[bookmarkID]
	return owner, ok
}

func (a *Arena) AddSection(fileID, title string, now time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fnode, ok := a.files[fileID]
	if !ok {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}
	id := NewSectionID(now)
	for a.sections[id] != nil {
		id = NewSectionID(now)
	}
	a.sections[id] = &sectionNode{section: Section{ID: id, Title: title}, fileID: fileID}
	fnode.sections = append(fnode.sections, id)
	return id, nil
}

// AddBookmark places bm under a file or section. A bookmark whose id already
// exists is rejected instead of being duplicated.
func (a *Arena) AddBookmark(ownerID string, bm Bookmark) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	list, err := a.ownerListLocked(ownerID)
	if err != nil {
		return "", err
	}
	bm = withBookmarkID(bm)
	if _, exists := a.bookmarks[bm.ID]; exists {
		return "", fmt.Errorf("%w: bookmark %s", ErrDuplicateID, bm.ID)
	}
	a.bookmarks[bm.ID] = bm
	a.owner[bm.ID] = ownerID
	*list = append(*list, bm.ID)
	return bm.ID, nil
}

// MoveBookmark moves a bookmark to ownerID at index (clamped). The bookmark
// is addressed by id only.
func (a *Arena) MoveBookmark(id, ownerID string, index int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	current, ok := a.owner[id]
	if !ok {
		return fmt.Errorf("%w: bookmark %s", ErrNotFound, id)
	}
	dst, err := a.ownerListLocked(ownerID)
	if err != nil {
		return err
	}
	src, _ := a.ownerListLocked(current)
	*src = removeID(*src, id)
	if index < 0 || index > len(*dst) {
		index = len(*dst)
	}
	next := make([]string, 0, len(*dst)+1)
	next = append(next, (*dst)[:index]...)
	next = append(next, id)
	next = append(next, (*dst)[index:]...)
	*dst = next
	a.owner[id] = ownerID
	return nil
}

func (a *Arena) RemoveBookmark(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	current, ok := a.owner[id]
	if !ok {
		return fmt.Errorf("%w: bookmark %s", ErrNotFound, id)
	}
	if list, err := a.ownerListLocked(current); err == nil {
		*list = removeID(*list, id)
	}
	delete(a.owner, id)
	delete(a.bookmarks, id)
	return nil
}

func (a *Arena) ownerListLocked(ownerID string) (*[]string, error) {
	if fnode, ok := a.files[ownerID]; ok {
		return &fnode.bookmarks, nil
	}
	if snode, ok := a.sections[ownerID]; ok {
		return &snode.bookmarks, nil
	}
	return nil, fmt.Errorf("%w: owner %s", ErrNotFound, ownerID)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}
