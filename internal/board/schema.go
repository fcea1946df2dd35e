package board

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed board.schema.json
var boardSchemaJSON []byte

const boardSchemaURL = "https://relayboard.dev/schemas/board.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(boardSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse board schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(boardSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add board schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(boardSchemaURL)
	})
	return schema, schemaErr
}

// ValidateDocument checks a raw board JSON document against the board
// schema before it is decoded.
func ValidateDocument(raw []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid board json: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("board document does not match schema: %w", err)
	}
	return nil
}

// Decode validates raw against the schema and decodes it. Ids may still be
// empty; callers run EnsureIDs or Arena.Load before Validate.
func Decode(raw []byte) (*Board, error) {
	if err := ValidateDocument(raw); err != nil {
		return nil, err
	}
	b := New("")
	if err := json.Unmarshal(raw, b); err != nil {
		return nil, fmt.Errorf("decode board: %w", err)
	}
	b.Folders = nonNilFolders(b.Folders)
	b.CanvasHeaders = nonNilHeaders(b.CanvasHeaders)
	b.DrawingPaths = nonNilPaths(b.DrawingPaths)
	return b, nil
}
