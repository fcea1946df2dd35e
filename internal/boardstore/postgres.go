package boardstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/lib/pq"
)

const (
	postgresTablePrefix      = "rb_"
	postgresAttributesTable  = "relayboard_attributes"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore maps collections to tables, attributes to columns and
// documents to rows. Declared attributes are mirrored in a catalog table so
// size and required flags survive a restart.
type PostgresStore struct {
	dsn         string
	tablePrefix string
	catalog     string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:         dsn,
		tablePrefix: postgresTablePrefix,
		catalog:     postgresAttributesTable,
		openDB:      sql.Open,
	}, nil
}

func (s *PostgresStore) SaveBoard(ctx context.Context, b *board.Board) (Document, error) {
	const op = "save board"
	id, data, err := boardDocument(b)
	if err != nil {
		return Document{}, err
	}
	data, err = s.checkedData(ctx, op, BoardsCollection, data)
	if err != nil {
		return Document{}, err
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	keys, args := documentColumns(data)
	args = append([]any{id}, args...)
	cols := []string{`"id"`}
	placeholders := []string{"$1"}
	updates := []string{`"updated_at" = NOW()`}
	for i, key := range keys {
		quoted := postgresQuoteIdentifier(key)
		cols = append(cols, quoted)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s, "created_at", "updated_at")
		VALUES (%s, NOW(), NOW())
		ON CONFLICT ("id")
		DO UPDATE SET %s
		RETURNING "created_at", "updated_at"`,
		s.table(BoardsCollection), strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
	doc := Document{ID: id, Collection: BoardsCollection}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return Document{}, classifyPostgresError(op, BoardsCollection, err)
	}
	doc.Data = data
	return doc, nil
}

func (s *PostgresStore) LoadBoard(ctx context.Context, remoteID string) (*board.Board, error) {
	const op = "load board"
	if err := s.ensureReady(); err != nil {
		return nil, classifyPostgresError(op, BoardsCollection, err)
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT * FROM %s WHERE "id" = $1`, s.table(BoardsCollection))
	rows, err := s.db.QueryContext(ctx, query, strings.TrimSpace(remoteID))
	if err != nil {
		return nil, classifyPostgresError(op, BoardsCollection, err)
	}
	defer rows.Close()
	docs, err := scanDocuments(rows, BoardsCollection)
	if err != nil {
		return nil, classifyPostgresError(op, BoardsCollection, err)
	}
	if len(docs) == 0 {
		return nil, notFound(op, BoardsCollection, "document %s not found", remoteID)
	}
	return board.FromDocument(docs[0].ID, docs[0].Data)
}

func (s *PostgresStore) GetCollection(ctx context.Context, name string) (Collection, error) {
	const op = "get collection"
	if !validIdentifier(name) {
		return Collection{}, invalid(op, name, "invalid collection name")
	}
	if err := s.ensureReady(); err != nil {
		return Collection{}, classifyPostgresError(op, name, err)
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	var regclass sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT to_regclass($1)::text", s.table(name)).Scan(&regclass); err != nil {
		return Collection{}, classifyPostgresError(op, name, err)
	}
	if !regclass.Valid {
		return Collection{}, notFound(op, name, "collection not found")
	}
	attrs, err := s.listAttributes(ctx, name)
	if err != nil {
		return Collection{}, classifyPostgresError(op, name, err)
	}
	return Collection{Name: name, Attributes: attrs}, nil
}

func (s *PostgresStore) ListAttributes(ctx context.Context, collection string) ([]Attribute, error) {
	info, err := s.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	return info.Attributes, nil
}

func (s *PostgresStore) CreateCollection(ctx context.Context, name string) (Collection, error) {
	const op = "create collection"
	if !validIdentifier(name) {
		return Collection{}, invalid(op, name, "invalid collection name")
	}
	if err := s.ensureReady(); err != nil {
		return Collection{}, classifyPostgresError(op, name, err)
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		CREATE TABLE %s (
			"id" TEXT PRIMARY KEY,
			"created_at" TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			"updated_at" TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.table(name))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return Collection{}, classifyPostgresError(op, name, err)
	}
	return Collection{Name: name, Attributes: []Attribute{}, CreatedAt: time.Now().UTC()}, nil
}

func (s *PostgresStore) CreateAttribute(ctx context.Context, collection string, attr Attribute) error {
	const op = "create attribute"
	if err := validAttribute(attr); err != nil {
		return invalid(op, collection, "%v", err)
	}
	if !validIdentifier(collection) {
		return invalid(op, collection, "invalid collection name")
	}
	if err := s.ensureReady(); err != nil {
		return classifyPostgresError(op, collection, err)
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPostgresError(op, collection, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		s.table(collection), postgresQuoteIdentifier(attr.Key), postgresColumnType(attr))
	if _, err := tx.ExecContext(ctx, alter); err != nil {
		return classifyPostgresError(op, collection, err)
	}
	def, err := json.Marshal(attr.Default)
	if err != nil {
		return invalid(op, collection, "encode default for %q: %v", attr.Key, err)
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (collection, key, type, size, required, is_array, default_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, postgresQuoteIdentifier(s.catalog))
	if _, err := tx.ExecContext(ctx, insert, collection, attr.Key, string(attr.Type), attr.Size, attr.Required, attr.Array, string(def)); err != nil {
		return classifyPostgresError(op, collection, err)
	}
	if err := tx.Commit(); err != nil {
		return classifyPostgresError(op, collection, err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, collection string, limit int) ([]Document, error) {
	const op = "list documents"
	if !validIdentifier(collection) {
		return nil, invalid(op, collection, "invalid collection name")
	}
	if err := s.ensureReady(); err != nil {
		return nil, classifyPostgresError(op, collection, err)
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY "created_at", "id"`, s.table(collection))
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgresError(op, collection, err)
	}
	defer rows.Close()
	docs, err := scanDocuments(rows, collection)
	if err != nil {
		return nil, classifyPostgresError(op, collection, err)
	}
	return docs, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	const op = "create document"
	if !validIdentifier(collection) {
		return Document{}, invalid(op, collection, "invalid collection name")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = board.NewID("")
	}
	data, err := s.checkedData(ctx, op, collection, data)
	if err != nil {
		return Document{}, err
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	keys, args := documentColumns(data)
	args = append([]any{id}, args...)
	cols := []string{`"id"`}
	placeholders := []string{"$1"}
	for i, key := range keys {
		cols = append(cols, postgresQuoteIdentifier(key))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING "created_at", "updated_at"`,
		s.table(collection), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	doc := Document{ID: id, Collection: collection}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return Document{}, classifyPostgresError(op, collection, err)
	}
	doc.Data = data
	return doc, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				key TEXT NOT NULL,
				type TEXT NOT NULL,
				size INTEGER NOT NULL DEFAULT 0,
				required BOOLEAN NOT NULL DEFAULT FALSE,
				is_array BOOLEAN NOT NULL DEFAULT FALSE,
				default_value TEXT NOT NULL DEFAULT 'null',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (collection, key)
			)`, postgresQuoteIdentifier(s.catalog))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) listAttributes(ctx context.Context, collection string) ([]Attribute, error) {
	query := fmt.Sprintf(`
		SELECT key, type, size, required, is_array, default_value
		FROM %s WHERE collection = $1 ORDER BY created_at, key`, postgresQuoteIdentifier(s.catalog))
	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	attrs := []Attribute{}
	for rows.Next() {
		var (
			attr Attribute
			typ  string
			def  string
		)
		if err := rows.Scan(&attr.Key, &typ, &attr.Size, &attr.Required, &attr.Array, &def); err != nil {
			return nil, err
		}
		attr.Type = AttributeType(typ)
		_ = json.Unmarshal([]byte(def), &attr.Default)
		attrs = append(attrs, attr)
	}
	return attrs, rows.Err()
}

// checkedData validates data against the catalog so required attributes
// are enforced even though columns are nullable.
func (s *PostgresStore) checkedData(ctx context.Context, op, collection string, data map[string]any) (map[string]any, error) {
	normalized, err := normalizeData(data)
	if err != nil {
		return nil, invalid(op, collection, "%v", err)
	}
	coll, err := s.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := checkDocument(op, coll, normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

func (s *PostgresStore) table(collection string) string {
	return postgresQuoteIdentifier(s.tablePrefix + collection)
}

func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

// documentColumns returns data's keys in a stable order with matching
// driver values. Nested values are stored as JSON text.
func documentColumns(data map[string]any) ([]string, []any) {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		switch v := data[key].(type) {
		case []any, map[string]any:
			raw, _ := json.Marshal(v)
			args = append(args, string(raw))
		default:
			args = append(args, v)
		}
	}
	return keys, args
}

func scanDocuments(rows *sql.Rows, collection string) ([]Document, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var docs []Document
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		doc := Document{Collection: collection, Data: map[string]any{}}
		for i, col := range columns {
			switch col {
			case "id":
				doc.ID = fmt.Sprint(columnValue(values[i]))
			case "created_at":
				doc.CreatedAt, _ = values[i].(time.Time)
			case "updated_at":
				doc.UpdatedAt, _ = values[i].(time.Time)
			default:
				if values[i] != nil {
					doc.Data[col] = columnValue(values[i])
				}
			}
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func columnValue(v any) any {
	switch value := v.(type) {
	case []byte:
		return string(value)
	case time.Time:
		return value.UTC().Format(time.RFC3339Nano)
	case int64:
		return float64(value)
	}
	return v
}

func postgresColumnType(attr Attribute) string {
	if attr.Array {
		return "JSONB"
	}
	switch attr.Type {
	case TypeInteger:
		return "BIGINT"
	case TypeFloat:
		return "DOUBLE PRECISION"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeDatetime:
		return "TIMESTAMPTZ"
	}
	if attr.Size > 0 && attr.Size <= 10485760 {
		return fmt.Sprintf("VARCHAR(%d)", attr.Size)
	}
	return "TEXT"
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// classifyPostgresError tags driver errors with the kind recovery acts on.
func classifyPostgresError(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		if kind := KindOf(err); kind != "" {
			return &Error{Kind: kind, Op: op, Collection: collection, Err: err}
		}
		return &Error{Kind: KindUnknown, Op: op, Collection: collection, Err: err}
	}
	e := &Error{Op: op, Collection: collection, Message: pqErr.Message, Err: err}
	switch {
	case pqErr.Code == "42P01":
		e.Kind = KindNotFound
		e.Message = "collection not found: " + pqErr.Message
		e.Err = errors.Join(ErrNotFound, err)
	case pqErr.Code == "42703":
		e.Kind = KindValidation
		e.Message = "unknown attribute: " + pqErr.Message
		e.Err = errors.Join(ErrInvalidInput, err)
	case pqErr.Code == "42701":
		e.Kind = KindConflict
		e.Err = errors.Join(ErrAttributeExists, err)
	case pqErr.Code == "42P07":
		e.Kind = KindConflict
		e.Err = errors.Join(ErrCollectionExists, err)
	case pqErr.Code == "23505":
		e.Kind = KindConflict
		e.Err = errors.Join(ErrDocumentExists, err)
	case pqErr.Code.Class() == "23", pqErr.Code.Class() == "22":
		e.Kind = KindValidation
		e.Err = errors.Join(ErrInvalidInput, err)
	case pqErr.Code.Class() == "28", pqErr.Code == "42501":
		e.Kind = KindPermission
	case pqErr.Code.Class() == "08", pqErr.Code == "57P01", pqErr.Code.Class() == "53":
		e.Kind = KindNetwork
	default:
		e.Kind = KindUnknown
	}
	return e
}
