package boardstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBoard() *board.Board {
	b := board.New("Research")
	folder := b.AddFolder(board.Folder{Title: "Reading"})
	file := folder.AddFile(board.File{Title: "Go"})
	file.AddBookmark(board.Bookmark{Title: "tour", URL: "https://go.dev/tour"})
	return b
}

func createBoardsSchema(t *testing.T, c Client) {
	t.Helper()
	ctx := context.Background()
	_, err := c.CreateCollection(ctx, BoardsCollection)
	require.NoError(t, err)
	attrs, ok := KnownSchema(BoardsCollection)
	require.True(t, ok)
	for _, attr := range attrs {
		require.NoError(t, c.CreateAttribute(ctx, BoardsCollection, attr))
	}
}

// exerciseClient runs the behaviour every backend must share.
func exerciseClient(t *testing.T, c Client) {
	t.Helper()
	ctx := context.Background()

	_, err := c.GetCollection(ctx, BoardsCollection)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = c.SaveBoard(ctx, testBoard())
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = c.CreateCollection(ctx, BoardsCollection)
	require.NoError(t, err)
	_, err = c.CreateCollection(ctx, BoardsCollection)
	assert.ErrorIs(t, err, ErrCollectionExists)

	_, err = c.SaveBoard(ctx, testBoard())
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "attribute")

	attrs, _ := KnownSchema(BoardsCollection)
	for _, attr := range attrs {
		require.NoError(t, c.CreateAttribute(ctx, BoardsCollection, attr))
	}
	err = c.CreateAttribute(ctx, BoardsCollection, attrs[0])
	assert.ErrorIs(t, err, ErrAttributeExists)

	listed, err := c.ListAttributes(ctx, BoardsCollection)
	require.NoError(t, err)
	assert.Len(t, listed, len(attrs))

	original := testBoard()
	doc, err := c.SaveBoard(ctx, original)
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)
	assert.Empty(t, original.RemoteID, "save must not mutate the caller's board")

	loaded, err := c.LoadBoard(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, loaded.RemoteID)
	assert.Equal(t, "Research", loaded.Name)
	require.Len(t, loaded.Folders, 1)
	assert.Equal(t, original.Folders[0].ID, loaded.Folders[0].ID)
	assert.Equal(t, original.Folders[0].Files[0].Bookmarks[0].ID, loaded.Folders[0].Files[0].Bookmarks[0].ID)

	loaded.Name = "Renamed"
	again, err := c.SaveBoard(ctx, loaded)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, again.ID)
	docs, err := c.ListDocuments(ctx, BoardsCollection, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Renamed", docs[0].Data[board.AttrName])

	_, err = c.CreateDocument(ctx, BoardsCollection, "", map[string]any{"name": "x", "colour": "red"})
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = c.CreateDocument(ctx, BoardsCollection, "", map[string]any{"localId": 3})
	assert.Equal(t, KindValidation, KindOf(err), "missing required name")

	created, err := c.CreateDocument(ctx, BoardsCollection, "fixed-id", map[string]any{"name": "Seeded"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", created.ID)
	_, err = c.CreateDocument(ctx, BoardsCollection, "fixed-id", map[string]any{"name": "Seeded"})
	assert.ErrorIs(t, err, ErrDocumentExists)
	assert.Equal(t, KindConflict, KindOf(err))

	docs, err = c.ListDocuments(ctx, BoardsCollection, 1)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Equal(t, doc.ID, docs[0].ID)

	_, err = c.LoadBoard(ctx, "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseClient(t, NewMemoryStore())
}

func TestFileStoreContractAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	exerciseClient(t, store)

	docs, err := store.ListDocuments(context.Background(), BoardsCollection, 0)
	require.NoError(t, err)

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	reloaded, err := reopened.ListDocuments(context.Background(), BoardsCollection, 0)
	require.NoError(t, err)
	require.Len(t, reloaded, len(docs))
	for i := range docs {
		assert.Equal(t, docs[i].ID, reloaded[i].ID)
	}
	attrs, err := reopened.ListAttributes(context.Background(), BoardsCollection)
	require.NoError(t, err)
	assert.NotEmpty(t, attrs)
}

func TestRedisStoreContract(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	defer store.Close()
	exerciseClient(t, store)
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewRedisStore("redis://" + addr)
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestMemoryStoreRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.CreateCollection(ctx, "bad name")
	assert.ErrorIs(t, err, ErrInvalidInput)

	createBoardsSchema(t, s)
	err = s.CreateAttribute(ctx, BoardsCollection, Attribute{Key: "x", Type: "blob"})
	assert.Equal(t, KindValidation, KindOf(err))

	long := make([]byte, board.MaxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	b := testBoard()
	b.Name = string(long)
	_, err = s.SaveBoard(ctx, b)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = s.SaveBoard(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCanceledContextIsReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().GetCollection(ctx, BoardsCollection)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindNetwork, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
	wrapped := &Error{Kind: KindRateLimit, Op: "save board"}
	assert.Equal(t, KindRateLimit, KindOf(errors.Join(errors.New("outer"), wrapped)))
	assert.Equal(t, KindUnknown, (&Error{}).ErrorKind())
}
