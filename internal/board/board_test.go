package board

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBoard(t *testing.T) *Board {
	t.Helper()
	b := New("Research")
	folder := b.AddFolder(Folder{Title: "Reading", Position: Position{Left: 40, Top: 80}, ZIndex: 3})
	file := folder.AddFile(File{Title: "Go"})
	file.AddBookmark(Bookmark{Title: "legacy", URL: "https://go.dev/doc"})
	sec := file.AddSection("Concurrency", time.UnixMilli(1700000000000))
	sec.AddBookmark(Bookmark{Title: "pipelines", URL: "https://go.dev/blog/pipelines"})
	b.AddHeader(CanvasHeader{Text: "Q3", Position: Position{Left: 10, Top: 10}})
	b.AddPath(DrawingPath{Points: []Point{{X: 1, Y: 2}, {X: 3, Y: 4}}, Color: "#000", Width: 2})
	return b
}

func collectIDs(b *Board) []string {
	var ids []string
	for _, folder := range b.Folders {
		ids = append(ids, folder.ID)
		for _, file := range folder.Files {
			ids = append(ids, file.ID)
			for _, bm := range file.Bookmarks {
				ids = append(ids, bm.ID)
			}
			for _, sec := range file.Sections {
				ids = append(ids, sec.ID)
				for _, bm := range sec.Bookmarks {
					ids = append(ids, bm.ID)
				}
			}
		}
	}
	for _, h := range b.CanvasHeaders {
		ids = append(ids, h.ID)
	}
	for _, p := range b.DrawingPaths {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestSectionIDFormat(t *testing.T) {
	id := NewSectionID(time.UnixMilli(1700000000123))
	assert.Regexp(t, `^sec_1700000000123_[0-9a-f]{9}$`, id)
}

func TestSaveReloadKeepsIDs(t *testing.T) {
	b := sampleBoard(t)
	require.NoError(t, b.Validate())
	want := collectIDs(b)

	current := b
	for i := 0; i < 3; i++ {
		doc, err := current.ToDocument()
		require.NoError(t, err)
		// round-trip through JSON like a remote store would
		raw, err := json.Marshal(doc)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))

		reloaded, err := FromDocument("remote_1", decoded)
		require.NoError(t, err)
		arena := NewArena()
		report := arena.Load(reloaded, time.Now())
		assert.Zero(t, report.Assigned)
		assert.Zero(t, report.Duplicates)
		current = arena.Board()
		assert.Equal(t, want, collectIDs(current))
	}
	assert.Equal(t, "remote_1", current.RemoteID)
}

func TestArenaCreateCollapseExpandDoesNotDuplicate(t *testing.T) {
	b := sampleBoard(t)
	fileID := b.Folders[0].Files[0].ID
	arena := NewArena()
	arena.Load(b, time.Now())

	secID, err := arena.AddSection(fileID, "Notes", time.Now())
	require.NoError(t, err)
	bmID, err := arena.AddBookmark(secID, Bookmark{Title: "spec", URL: "https://go.dev/ref/spec"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		collapsed := arena.Board()
		report := arena.Load(collapsed, time.Now())
		require.Zero(t, report.Duplicates)
		require.Zero(t, report.Assigned)
	}
	out := arena.Board()
	sections := out.Folders[0].Files[0].Sections
	require.Len(t, sections, 2)
	assert.Equal(t, secID, sections[1].ID)
	require.Len(t, sections[1].Bookmarks, 1)
	assert.Equal(t, bmID, sections[1].Bookmarks[0].ID)

	ids := collectIDs(out)
	unique := map[string]struct{}{}
	for _, id := range ids {
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, len(ids))
}

func TestArenaLoadDropsDuplicatesAndAssignsMissingOnce(t *testing.T) {
	b := sampleBoard(t)
	file := &b.Folders[0].Files[0]
	dup := file.Sections[0].Bookmarks[0]
	file.Bookmarks = append(file.Bookmarks, dup)
	file.Sections[0].Bookmarks = append(file.Sections[0].Bookmarks, Bookmark{Title: "no id", URL: "https://example.com"})

	arena := NewArena()
	report := arena.Load(b, time.Now())
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, report.Assigned)

	projected := arena.Board()
	require.NoError(t, projected.Validate())

	again := arena.Load(projected, time.Now())
	assert.Zero(t, again.Assigned)
	assert.Equal(t, collectIDs(projected), collectIDs(arena.Board()))
}

func TestArenaMoveBookmarkByID(t *testing.T) {
	b := sampleBoard(t)
	file := b.Folders[0].Files[0]
	legacyID := file.Bookmarks[0].ID
	secID := file.Sections[0].ID

	arena := NewArena()
	arena.Load(b, time.Now())
	require.NoError(t, arena.MoveBookmark(legacyID, secID, 0))

	owner, ok := arena.Owner(legacyID)
	require.True(t, ok)
	assert.Equal(t, secID, owner)

	out := arena.Board()
	assert.Empty(t, out.Folders[0].Files[0].Bookmarks)
	assert.Equal(t, legacyID, out.Folders[0].Files[0].Sections[0].Bookmarks[0].ID)

	require.NoError(t, arena.RemoveBookmark(legacyID))
	_, ok = arena.Bookmark(legacyID)
	assert.False(t, ok)
	assert.ErrorIs(t, arena.MoveBookmark(legacyID, secID, 0), ErrNotFound)
}

func TestRemoveFolderReindexesSiblings(t *testing.T) {
	b := New("b")
	first := b.AddFolder(Folder{Title: "a"}).ID
	second := b.AddFolder(Folder{Title: "b"}).ID
	third := b.AddFolder(Folder{Title: "c"}).ID

	require.True(t, b.RemoveFolder(first))
	assert.Equal(t, 0, b.FolderIndex(second))
	assert.Equal(t, 1, b.FolderIndex(third))
	assert.False(t, b.RemoveFolder(first))
}

func TestValidateRejectsDoubleOwnership(t *testing.T) {
	b := sampleBoard(t)
	file := &b.Folders[0].Files[0]
	file.Sections[0].Bookmarks = append(file.Sections[0].Bookmarks, file.Bookmarks[0])
	err := b.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDoubleOwnership))
}

func TestValidateRejectsBadBookmarkURL(t *testing.T) {
	b := sampleBoard(t)
	b.Folders[0].Files[0].Bookmarks[0].URL = "not a url"
	assert.Error(t, b.Validate())
}

func TestMoveBookmarkToSection(t *testing.T) {
	b := sampleBoard(t)
	file := &b.Folders[0].Files[0]
	id := file.Bookmarks[0].ID
	require.NoError(t, file.MoveBookmarkToSection(id, file.Sections[0].ID))
	assert.Empty(t, file.Bookmarks)
	require.NoError(t, b.Validate())
	assert.ErrorIs(t, file.MoveBookmarkToSection(id, "missing"), ErrNotFound)
}

func TestReorderBookmarks(t *testing.T) {
	var sec Section
	a, _ := sec.AddBookmark(Bookmark{URL: "https://a.example"})
	c, _ := sec.AddBookmark(Bookmark{URL: "https://c.example"})
	d, _ := sec.AddBookmark(Bookmark{URL: "https://d.example"})

	require.NoError(t, sec.ReorderBookmarks([]string{d.ID, a.ID}))
	assert.Equal(t, []string{d.ID, a.ID, c.ID}, []string{sec.Bookmarks[0].ID, sec.Bookmarks[1].ID, sec.Bookmarks[2].ID})
	assert.ErrorIs(t, sec.ReorderBookmarks([]string{"nope"}), ErrNotFound)
}

func TestEnsureIDsOnlyFillsEmpty(t *testing.T) {
	b := sampleBoard(t)
	before := collectIDs(b)
	b.Folders[0].Files[0].Sections = append(b.Folders[0].Files[0].Sections, Section{Title: "new"})
	assigned := EnsureIDs(b, time.Now())
	assert.Equal(t, 1, assigned)
	assert.Zero(t, EnsureIDs(b, time.Now()))
	after := collectIDs(b)
	for _, id := range before {
		assert.Contains(t, after, id)
	}
}

func TestDecodeChecksSchema(t *testing.T) {
	_, err := Decode([]byte(`{"name": ""}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"name": "ok", "folders": [{"files": [{"bookmarks": [{"title": "x"}]}]}]}`))
	assert.Error(t, err, "bookmark without url must be rejected")

	b, err := Decode([]byte(`{"name": "ok", "folders": [{"id": "f1", "title": "t", "files": []}]}`))
	require.NoError(t, err)
	assert.Equal(t, "f1", b.Folders[0].ID)
	assert.NotNil(t, b.CanvasHeaders)
}

func TestCloneIsDeep(t *testing.T) {
	b := sampleBoard(t)
	clone := b.Clone()
	clone.Folders[0].Title = "changed"
	assert.Equal(t, "Reading", b.Folders[0].Title)
}

func TestAddBookmarkRejectsHeldID(t *testing.T) {
	b := sampleBoard(t)
	file := &b.Folders[0].Files[0]
	sec := &file.Sections[0]
	legacy := file.Bookmarks[0]
	nested := sec.Bookmarks[0]

	_, err := sec.AddBookmark(nested)
	assert.ErrorIs(t, err, ErrDuplicateID)
	_, err = file.AddBookmark(nested)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Len(t, file.Bookmarks, 1)
	assert.Len(t, sec.Bookmarks, 1)

	_, err = b.AddBookmark(sec.ID, legacy)
	assert.ErrorIs(t, err, ErrDuplicateID)
	_, err = b.AddBookmark(sec.ID, Bookmark{ID: b.CanvasHeaders[0].ID, URL: "https://go.dev"})
	assert.ErrorIs(t, err, ErrDuplicateID)
	_, err = b.AddBookmark("missing", Bookmark{URL: "https://go.dev"})
	assert.ErrorIs(t, err, ErrNotFound)

	added, err := b.AddBookmark(sec.ID, Bookmark{Title: "effective", URL: "https://go.dev/doc/effective_go"})
	require.NoError(t, err)
	assert.True(t, b.HasID(added.ID))
	require.NoError(t, b.Validate())
}
