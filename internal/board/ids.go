package board

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewSectionID derives a section id from its creation time plus a random
// suffix. It is called once per section, never on save or restore.
func NewSectionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("sec_%d_%s", now.UnixMilli(), suffix)
}

// EnsureIDs fills in ids that are still empty and reports how many it
// assigned. Existing ids are never touched.
func EnsureIDs(b *Board, now time.Time) int {
	if b == nil {
		return 0
	}
	assigned := 0
	fill := func(id *string, gen func() string) {
		if strings.TrimSpace(*id) == "" {
			*id = gen()
			assigned++
		}
	}
	for i := range b.Folders {
		folder := &b.Folders[i]
		fill(&folder.ID, func() string { return NewID("folder") })
		for j := range folder.Files {
			file := &folder.Files[j]
			fill(&file.ID, func() string { return NewID("file") })
			for k := range file.Bookmarks {
				fill(&file.Bookmarks[k].ID, func() string { return NewID("") })
			}
			for k := range file.Sections {
				sec := &file.Sections[k]
				fill(&sec.ID, func() string { return NewSectionID(now) })
				for m := range sec.Bookmarks {
					fill(&sec.Bookmarks[m].ID, func() string { return NewID("") })
				}
			}
		}
	}
	for i := range b.CanvasHeaders {
		fill(&b.CanvasHeaders[i].ID, func() string { return NewID("header") })
	}
	for i := range b.DrawingPaths {
		fill(&b.DrawingPaths[i].ID, func() string { return NewID("path") })
	}
	return assigned
}
