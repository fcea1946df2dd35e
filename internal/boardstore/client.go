// Package boardstore is the remote document store boards are persisted to.
// A store is a set of named collections, each with a declared attribute
// schema and a set of documents keyed by id.
package boardstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
)

const (
	BoardsCollection    = "boards"
	BookmarksCollection = "bookmarks"
)

type AttributeType string

const (
	TypeString   AttributeType = "string"
	TypeInteger  AttributeType = "integer"
	TypeFloat    AttributeType = "float"
	TypeBoolean  AttributeType = "boolean"
	TypeDatetime AttributeType = "datetime"
)

type Attribute struct {
	Key      string        `json:"key"`
	Type     AttributeType `json:"type"`
	Size     int           `json:"size,omitempty"`
	Required bool          `json:"required"`
	Array    bool          `json:"array,omitempty"`
	Default  any           `json:"default,omitempty"`
}

type Collection struct {
	Name       string      `json:"name"`
	Attributes []Attribute `json:"attributes"`
	CreatedAt  time.Time   `json:"createdAt"`
}

type Document struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Client is the contract every backend implements.
type Client interface {
	// SaveBoard upserts the whole board document. A board without a remote
	// id gets one; the returned document carries it.
	SaveBoard(ctx context.Context, b *board.Board) (Document, error)
	LoadBoard(ctx context.Context, remoteID string) (*board.Board, error)

	GetCollection(ctx context.Context, name string) (Collection, error)
	ListAttributes(ctx context.Context, collection string) ([]Attribute, error)
	CreateCollection(ctx context.Context, name string) (Collection, error)
	CreateAttribute(ctx context.Context, collection string, attr Attribute) error

	ListDocuments(ctx context.Context, collection string, limit int) ([]Document, error)
	CreateDocument(ctx context.Context, collection, id string, data map[string]any) (Document, error)

	Close() error
}

const largeText = 1 << 20

var knownSchemas = map[string][]Attribute{
	BoardsCollection: {
		{Key: board.AttrName, Type: TypeString, Size: board.MaxNameLength, Required: true},
		{Key: board.AttrLocalID, Type: TypeInteger},
		{Key: board.AttrFolders, Type: TypeString, Size: largeText},
		{Key: board.AttrCanvasHeaders, Type: TypeString, Size: largeText},
		{Key: board.AttrDrawingPaths, Type: TypeString, Size: largeText},
		{Key: board.AttrUpdatedAt, Type: TypeDatetime},
	},
	BookmarksCollection: {
		{Key: "boardId", Type: TypeString, Size: 64, Required: true},
		{Key: "title", Type: TypeString, Size: board.MaxTitleLength},
		{Key: "url", Type: TypeString, Size: 2048, Required: true},
		{Key: "description", Type: TypeString, Size: 4096},
		{Key: "screenshot", Type: TypeString, Size: largeText},
		{Key: "timestamp", Type: TypeDatetime},
	},
}

// KnownSchema returns the attributes a known collection must carry.
func KnownSchema(collection string) ([]Attribute, bool) {
	attrs, ok := knownSchemas[collection]
	if !ok {
		return nil, false
	}
	return append([]Attribute(nil), attrs...), true
}

func KnownCollections() []string {
	return []string{BoardsCollection, BookmarksCollection}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

func validIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

func validAttribute(attr Attribute) error {
	if !validIdentifier(attr.Key) {
		return fmt.Errorf("attribute key %q is not a valid identifier", attr.Key)
	}
	switch attr.Type {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeDatetime:
	default:
		return fmt.Errorf("attribute %q has unsupported type %q", attr.Key, attr.Type)
	}
	if attr.Size < 0 {
		return fmt.Errorf("attribute %q has negative size", attr.Key)
	}
	return nil
}

// checkDocument enforces the declared schema: unknown keys, missing required
// attributes and mistyped values are validation failures.
func checkDocument(op string, coll Collection, data map[string]any) error {
	declared := make(map[string]Attribute, len(coll.Attributes))
	for _, attr := range coll.Attributes {
		declared[attr.Key] = attr
	}
	for key, value := range data {
		attr, ok := declared[key]
		if !ok {
			return invalid(op, coll.Name, "unknown attribute %q", key)
		}
		if value == nil {
			continue
		}
		if attr.Array {
			items, ok := value.([]any)
			if !ok {
				return invalid(op, coll.Name, "attribute %q expects an array", key)
			}
			for _, item := range items {
				if err := checkValue(attr, item); err != nil {
					return invalid(op, coll.Name, "%v", err)
				}
			}
			continue
		}
		if err := checkValue(attr, value); err != nil {
			return invalid(op, coll.Name, "%v", err)
		}
	}
	for _, attr := range coll.Attributes {
		if !attr.Required {
			continue
		}
		if v, ok := data[attr.Key]; !ok || v == nil {
			return invalid(op, coll.Name, "missing required attribute %q", attr.Key)
		}
	}
	return nil
}

func checkValue(attr Attribute, value any) error {
	switch attr.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("attribute %q expects a string", attr.Key)
		}
		if attr.Size > 0 && len(s) > attr.Size {
			return fmt.Errorf("attribute %q exceeds size %d", attr.Key, attr.Size)
		}
	case TypeInteger:
		if !isInteger(value) {
			return fmt.Errorf("attribute %q expects an integer", attr.Key)
		}
	case TypeFloat:
		if _, ok := toFloat(value); !ok {
			return fmt.Errorf("attribute %q expects a number", attr.Key)
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("attribute %q expects a boolean", attr.Key)
		}
	case TypeDatetime:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("attribute %q expects an RFC3339 timestamp", attr.Key)
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return fmt.Errorf("attribute %q expects an RFC3339 timestamp", attr.Key)
		}
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func isInteger(value any) bool {
	f, ok := toFloat(value)
	return ok && f == math.Trunc(f)
}

// boardDocument projects b into the boards collection, allocating a remote
// id when b has none.
func boardDocument(b *board.Board) (string, map[string]any, error) {
	if b == nil {
		return "", nil, ErrInvalidInput
	}
	data, err := b.ToDocument()
	if err != nil {
		return "", nil, invalid("save board", BoardsCollection, "%v", err)
	}
	id := strings.TrimSpace(b.RemoteID)
	if id == "" {
		id = board.NewID("")
	}
	return id, data, nil
}

// normalizeData round-trips data through JSON so every backend stores and
// returns the same value shapes.
func normalizeData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneDocument(doc Document) Document {
	data, err := normalizeData(doc.Data)
	if err == nil {
		doc.Data = data
	}
	return doc
}
