package boardstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/relayboard/internal/board"
)

// FileStore is a MemoryStore whose contents are rewritten to a JSON file
// after every successful mutation.
type FileStore struct {
	*MemoryStore
	path    string
	writeMu sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) SaveBoard(ctx context.Context, b *board.Board) (Document, error) {
	doc, err := s.MemoryStore.SaveBoard(ctx, b)
	if err != nil {
		return Document{}, err
	}
	return doc, s.persist("save board")
}

func (s *FileStore) CreateCollection(ctx context.Context, name string) (Collection, error) {
	coll, err := s.MemoryStore.CreateCollection(ctx, name)
	if err != nil {
		return Collection{}, err
	}
	return coll, s.persist("create collection")
}

func (s *FileStore) CreateAttribute(ctx context.Context, collection string, attr Attribute) error {
	if err := s.MemoryStore.CreateAttribute(ctx, collection, attr); err != nil {
		return err
	}
	return s.persist("create attribute")
}

func (s *FileStore) CreateDocument(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	doc, err := s.MemoryStore.CreateDocument(ctx, collection, id, data)
	if err != nil {
		return Document{}, err
	}
	return doc, s.persist("create document")
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return invalid("load store", "", "decode %s: %v", s.path, err)
	}
	s.restore(snap)
	return nil
}

func (s *FileStore) persist(op string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.MarshalIndent(s.snapshot(), "", "  ")
	if err != nil {
		return &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return classifyFileError(op, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return classifyFileError(op, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return classifyFileError(op, err)
	}
	return nil
}

func classifyFileError(op string, err error) error {
	kind := KindUnknown
	if errors.Is(err, os.ErrPermission) {
		kind = KindPermission
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
