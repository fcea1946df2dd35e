package board

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Attribute keys of a board document in the remote boards collection.
const (
	AttrName          = "name"
	AttrLocalID       = "localId"
	AttrFolders       = "folders"
	AttrCanvasHeaders = "canvasHeaders"
	AttrDrawingPaths  = "drawingPaths"
	AttrUpdatedAt     = "updatedAt"
)

// ToDocument flattens the board into the attribute map written on every
// save. Nested lists travel as JSON strings so a document store with flat
// string attributes can hold the whole board.
func (b *Board) ToDocument() (map[string]any, error) {
	folders, err := json.Marshal(nonNilFolders(b.Folders))
	if err != nil {
		return nil, fmt.Errorf("encode folders: %w", err)
	}
	headers, err := json.Marshal(nonNilHeaders(b.CanvasHeaders))
	if err != nil {
		return nil, fmt.Errorf("encode canvas headers: %w", err)
	}
	paths, err := json.Marshal(nonNilPaths(b.DrawingPaths))
	if err != nil {
		return nil, fmt.Errorf("encode drawing paths: %w", err)
	}
	updatedAt := b.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return map[string]any{
		AttrName:          b.Name,
		AttrLocalID:       b.LocalID,
		AttrFolders:       string(folders),
		AttrCanvasHeaders: string(headers),
		AttrDrawingPaths:  string(paths),
		AttrUpdatedAt:     updatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func FromDocument(remoteID string, data map[string]any) (*Board, error) {
	b := New("")
	b.RemoteID = remoteID
	if name, ok := data[AttrName].(string); ok {
		b.Name = name
	}
	localID, err := toInt64(data[AttrLocalID])
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", AttrLocalID, err)
	}
	b.LocalID = localID
	if err := decodeJSONAttr(data, AttrFolders, &b.Folders); err != nil {
		return nil, err
	}
	if err := decodeJSONAttr(data, AttrCanvasHeaders, &b.CanvasHeaders); err != nil {
		return nil, err
	}
	if err := decodeJSONAttr(data, AttrDrawingPaths, &b.DrawingPaths); err != nil {
		return nil, err
	}
	if raw, ok := data[AttrUpdatedAt].(string); ok && raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", AttrUpdatedAt, err)
		}
		b.UpdatedAt = ts
	}
	b.Folders = nonNilFolders(b.Folders)
	b.CanvasHeaders = nonNilHeaders(b.CanvasHeaders)
	b.DrawingPaths = nonNilPaths(b.DrawingPaths)
	return b, nil
}

func decodeJSONAttr(data map[string]any, key string, dst any) error {
	raw, ok := data[key]
	if !ok || raw == nil {
		return nil
	}
	var payload []byte
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		// Stores that keep native JSON hand back decoded values.
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		payload = encoded
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		if n == "" {
			return 0, nil
		}
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func nonNilFolders(in []Folder) []Folder {
	if in == nil {
		return []Folder{}
	}
	return in
}

func nonNilHeaders(in []CanvasHeader) []CanvasHeader {
	if in == nil {
		return []CanvasHeader{}
	}
	return in
}

func nonNilPaths(in []DrawingPath) []DrawingPath {
	if in == nil {
		return []DrawingPath{}
	}
	return in
}
