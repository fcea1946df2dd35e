package boardstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "relayboard:"

// RedisStore keeps each collection in three keys: a meta hash, an attribute
// hash of JSON-encoded Attribute values and a document hash, plus a sorted
// set that preserves document creation order.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, classifyRedisError("connect", "", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: redisKeyPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) metaKey(collection string) string  { return s.prefix + "collection:" + collection }
func (s *RedisStore) attrsKey(collection string) string { return s.prefix + "attrs:" + collection }
func (s *RedisStore) docsKey(collection string) string  { return s.prefix + "docs:" + collection }
func (s *RedisStore) orderKey(collection string) string { return s.prefix + "order:" + collection }

func (s *RedisStore) SaveBoard(ctx context.Context, b *board.Board) (Document, error) {
	const op = "save board"
	id, data, err := boardDocument(b)
	if err != nil {
		return Document{}, err
	}
	coll, err := s.GetCollection(ctx, BoardsCollection)
	if err != nil {
		return Document{}, err
	}
	normalized, err := normalizeData(data)
	if err != nil {
		return Document{}, invalid(op, BoardsCollection, "%v", err)
	}
	if err := checkDocument(op, coll, normalized); err != nil {
		return Document{}, err
	}

	now := s.now()
	doc := Document{ID: id, Collection: BoardsCollection, Data: normalized, CreatedAt: now, UpdatedAt: now}
	if existing, ok, err := s.getDocument(ctx, BoardsCollection, id); err != nil {
		return Document{}, classifyRedisError(op, BoardsCollection, err)
	} else if ok {
		doc.CreatedAt = existing.CreatedAt
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Document{}, invalid(op, BoardsCollection, "%v", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.docsKey(BoardsCollection), id, raw)
		pipe.ZAddNX(ctx, s.orderKey(BoardsCollection), redis.Z{Score: float64(doc.CreatedAt.UnixNano()), Member: id})
		return nil
	})
	if err != nil {
		return Document{}, classifyRedisError(op, BoardsCollection, err)
	}
	return doc, nil
}

func (s *RedisStore) LoadBoard(ctx context.Context, remoteID string) (*board.Board, error) {
	const op = "load board"
	doc, ok, err := s.getDocument(ctx, BoardsCollection, strings.TrimSpace(remoteID))
	if err != nil {
		return nil, classifyRedisError(op, BoardsCollection, err)
	}
	if !ok {
		return nil, notFound(op, BoardsCollection, "document %s not found", remoteID)
	}
	return board.FromDocument(doc.ID, doc.Data)
}

func (s *RedisStore) GetCollection(ctx context.Context, name string) (Collection, error) {
	const op = "get collection"
	meta, err := s.client.HGetAll(ctx, s.metaKey(name)).Result()
	if err != nil {
		return Collection{}, classifyRedisError(op, name, err)
	}
	if len(meta) == 0 {
		return Collection{}, notFound(op, name, "collection not found")
	}
	info := Collection{Name: name, Attributes: []Attribute{}}
	if ts, err := time.Parse(time.RFC3339Nano, meta["createdAt"]); err == nil {
		info.CreatedAt = ts
	}
	raw, err := s.client.HGetAll(ctx, s.attrsKey(name)).Result()
	if err != nil {
		return Collection{}, classifyRedisError(op, name, err)
	}
	for _, value := range raw {
		var attr Attribute
		if err := json.Unmarshal([]byte(value), &attr); err != nil {
			return Collection{}, invalid(op, name, "decode attribute: %v", err)
		}
		info.Attributes = append(info.Attributes, attr)
	}
	sort.Slice(info.Attributes, func(i, j int) bool { return info.Attributes[i].Key < info.Attributes[j].Key })
	return info, nil
}

func (s *RedisStore) ListAttributes(ctx context.Context, collection string) ([]Attribute, error) {
	info, err := s.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	return info.Attributes, nil
}

func (s *RedisStore) CreateCollection(ctx context.Context, name string) (Collection, error) {
	const op = "create collection"
	if !validIdentifier(name) {
		return Collection{}, invalid(op, name, "invalid collection name")
	}
	now := s.now()
	created, err := s.client.HSetNX(ctx, s.metaKey(name), "createdAt", now.Format(time.RFC3339Nano)).Result()
	if err != nil {
		return Collection{}, classifyRedisError(op, name, err)
	}
	if !created {
		return Collection{}, exists(op, name, ErrCollectionExists, "collection already exists")
	}
	return Collection{Name: name, Attributes: []Attribute{}, CreatedAt: now}, nil
}

func (s *RedisStore) CreateAttribute(ctx context.Context, collection string, attr Attribute) error {
	const op = "create attribute"
	if err := validAttribute(attr); err != nil {
		return invalid(op, collection, "%v", err)
	}
	n, err := s.client.Exists(ctx, s.metaKey(collection)).Result()
	if err != nil {
		return classifyRedisError(op, collection, err)
	}
	if n == 0 {
		return notFound(op, collection, "collection not found")
	}
	raw, err := json.Marshal(attr)
	if err != nil {
		return invalid(op, collection, "%v", err)
	}
	created, err := s.client.HSetNX(ctx, s.attrsKey(collection), attr.Key, raw).Result()
	if err != nil {
		return classifyRedisError(op, collection, err)
	}
	if !created {
		return exists(op, collection, ErrAttributeExists, "attribute %q already exists", attr.Key)
	}
	return nil
}

func (s *RedisStore) ListDocuments(ctx context.Context, collection string, limit int) ([]Document, error) {
	const op = "list documents"
	if _, err := s.GetCollection(ctx, collection); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, s.orderKey(collection), 0, stop).Result()
	if err != nil {
		return nil, classifyRedisError(op, collection, err)
	}
	if len(ids) == 0 {
		return []Document{}, nil
	}
	values, err := s.client.HMGet(ctx, s.docsKey(collection), ids...).Result()
	if err != nil {
		return nil, classifyRedisError(op, collection, err)
	}
	docs := make([]Document, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, invalid(op, collection, "decode document: %v", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *RedisStore) CreateDocument(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	const op = "create document"
	coll, err := s.GetCollection(ctx, collection)
	if err != nil {
		return Document{}, err
	}
	normalized, err := normalizeData(data)
	if err != nil {
		return Document{}, invalid(op, collection, "%v", err)
	}
	if err := checkDocument(op, coll, normalized); err != nil {
		return Document{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = board.NewID("")
	}
	now := s.now()
	doc := Document{ID: id, Collection: collection, Data: normalized, CreatedAt: now, UpdatedAt: now}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Document{}, invalid(op, collection, "%v", err)
	}
	created, err := s.client.HSetNX(ctx, s.docsKey(collection), id, raw).Result()
	if err != nil {
		return Document{}, classifyRedisError(op, collection, err)
	}
	if !created {
		return Document{}, exists(op, collection, ErrDocumentExists, "document %s conflict: already exists", id)
	}
	if err := s.client.ZAdd(ctx, s.orderKey(collection), redis.Z{Score: float64(now.UnixNano()), Member: id}).Err(); err != nil {
		return Document{}, classifyRedisError(op, collection, err)
	}
	return doc, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) getDocument(ctx context.Context, collection, id string) (Document, bool, error) {
	raw, err := s.client.HGet(ctx, s.docsKey(collection), id).Result()
	if errors.Is(err, redis.Nil) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

func classifyRedisError(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	if kind := KindOf(err); kind != "" {
		return &Error{Kind: kind, Op: op, Collection: collection, Err: err}
	}
	msg := err.Error()
	kind := KindUnknown
	switch {
	case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOPERM"):
		kind = KindPermission
	case strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "BUSY"), strings.Contains(msg, "connection"):
		kind = KindNetwork
	case strings.HasPrefix(msg, "WRONGTYPE"):
		kind = KindValidation
	}
	return &Error{Kind: kind, Op: op, Collection: collection, Err: err}
}
