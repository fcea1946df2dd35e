package boardstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
)

type memoryCollection struct {
	info  Collection
	docs  map[string]Document
	order []string
}

// MemoryStore is a strict in-process document store. It enforces declared
// schemas the same way a remote store would, so recovery paths can be
// exercised without a network.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: map[string]*memoryCollection{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) SaveBoard(ctx context.Context, b *board.Board) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	id, data, err := boardDocument(b)
	if err != nil {
		return Document{}, err
	}
	return s.upsert(BoardsCollection, id, data)
}

func (s *MemoryStore) LoadBoard(ctx context.Context, remoteID string) (*board.Board, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[BoardsCollection]
	if !ok {
		return nil, notFound("load board", BoardsCollection, "collection not found")
	}
	doc, ok := coll.docs[strings.TrimSpace(remoteID)]
	if !ok {
		return nil, notFound("load board", BoardsCollection, "document %s not found", remoteID)
	}
	return board.FromDocument(doc.ID, cloneDocument(doc).Data)
}

func (s *MemoryStore) GetCollection(ctx context.Context, name string) (Collection, error) {
	if err := ctx.Err(); err != nil {
		return Collection{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[name]
	if !ok {
		return Collection{}, notFound("get collection", name, "collection not found")
	}
	return cloneCollection(coll.info), nil
}

func (s *MemoryStore) ListAttributes(ctx context.Context, collection string) ([]Attribute, error) {
	info, err := s.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	return info.Attributes, nil
}

func (s *MemoryStore) CreateCollection(ctx context.Context, name string) (Collection, error) {
	if err := ctx.Err(); err != nil {
		return Collection{}, err
	}
	if !validIdentifier(name) {
		return Collection{}, invalid("create collection", name, "invalid collection name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return Collection{}, exists("create collection", name, ErrCollectionExists, "collection already exists")
	}
	coll := &memoryCollection{
		info: Collection{Name: name, Attributes: []Attribute{}, CreatedAt: s.now()},
		docs: map[string]Document{},
	}
	s.collections[name] = coll
	return cloneCollection(coll.info), nil
}

func (s *MemoryStore) CreateAttribute(ctx context.Context, collection string, attr Attribute) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validAttribute(attr); err != nil {
		return invalid("create attribute", collection, "%v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		return notFound("create attribute", collection, "collection not found")
	}
	for _, existing := range coll.info.Attributes {
		if existing.Key == attr.Key {
			return exists("create attribute", collection, ErrAttributeExists, "attribute %q already exists", attr.Key)
		}
	}
	coll.info.Attributes = append(coll.info.Attributes, attr)
	return nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, collection string, limit int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[collection]
	if !ok {
		return nil, notFound("list documents", collection, "collection not found")
	}
	out := make([]Document, 0, len(coll.order))
	for _, id := range coll.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cloneDocument(coll.docs[id]))
	}
	return out, nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = board.NewID("")
	}
	normalized, err := normalizeData(data)
	if err != nil {
		return Document{}, invalid("create document", collection, "%v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		return Document{}, notFound("create document", collection, "collection not found")
	}
	if err := checkDocument("create document", coll.info, normalized); err != nil {
		return Document{}, err
	}
	if _, dup := coll.docs[id]; dup {
		return Document{}, exists("create document", collection, ErrDocumentExists, "document %s conflict: already exists", id)
	}
	now := s.now()
	doc := Document{ID: id, Collection: collection, Data: normalized, CreatedAt: now, UpdatedAt: now}
	coll.docs[id] = doc
	coll.order = append(coll.order, id)
	return cloneDocument(doc), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// upsert replaces the whole document; there is no field-level merge.
func (s *MemoryStore) upsert(collection, id string, data map[string]any) (Document, error) {
	normalized, err := normalizeData(data)
	if err != nil {
		return Document{}, invalid("save document", collection, "%v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		return Document{}, notFound("save document", collection, "collection not found")
	}
	if err := checkDocument("save document", coll.info, normalized); err != nil {
		return Document{}, err
	}
	now := s.now()
	doc, existed := coll.docs[id]
	if !existed {
		doc = Document{ID: id, Collection: collection, CreatedAt: now}
		coll.order = append(coll.order, id)
	}
	doc.Data = normalized
	doc.UpdatedAt = now
	coll.docs[id] = doc
	return cloneDocument(doc), nil
}

type memorySnapshot struct {
	Collections []collectionSnapshot `json:"collections"`
}

type collectionSnapshot struct {
	Collection Collection `json:"collection"`
	Documents  []Document `json:"documents"`
}

func (s *MemoryStore) snapshot() memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	out := memorySnapshot{Collections: make([]collectionSnapshot, 0, len(names))}
	for _, name := range names {
		coll := s.collections[name]
		docs := make([]Document, 0, len(coll.order))
		for _, id := range coll.order {
			docs = append(docs, coll.docs[id])
		}
		out.Collections = append(out.Collections, collectionSnapshot{Collection: cloneCollection(coll.info), Documents: docs})
	}
	return out
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string]*memoryCollection, len(snap.Collections))
	for _, cs := range snap.Collections {
		info := cs.Collection
		if info.Attributes == nil {
			info.Attributes = []Attribute{}
		}
		coll := &memoryCollection{info: info, docs: make(map[string]Document, len(cs.Documents))}
		for _, doc := range cs.Documents {
			if _, dup := coll.docs[doc.ID]; dup {
				continue
			}
			coll.docs[doc.ID] = doc
			coll.order = append(coll.order, doc.ID)
		}
		s.collections[info.Name] = coll
	}
}

func cloneCollection(in Collection) Collection {
	in.Attributes = append([]Attribute{}, in.Attributes...)
	return in
}
