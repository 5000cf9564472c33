// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package dbquery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id          INTEGER PRIMARY KEY,
	collection  TEXT    NOT NULL,
	body        TEXT    NOT NULL CHECK (json_valid(body)),
	inserted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_by_collection ON documents (collection, id);
`

// pragmas applied to every pooled connection: WAL so readers never
// block the writer, and a busy timeout instead of immediate
// SQLITE_BUSY under write contention.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path of the database file, created if missing.
	Path string

	// PoolSize is the number of pooled connections. Default 4.
	PoolSize int

	Logger *slog.Logger

	// Now stamps inserted documents. Default time.Now.
	Now func() time.Time
}

// Store is the DB Client's document store.
type Store struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// OpenStore opens or creates the database at config.Path.
func OpenStore(config StoreConfig) (*Store, error) {
	if config.Path == "" {
		return nil, errors.New("dbquery: store path is required")
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 4
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	pool, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize:    config.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("dbquery: opening %s: %w", config.Path, err)
	}
	config.Logger.Info("document store opened", "path", config.Path, "pool_size", config.PoolSize)
	return &Store{pool: pool, path: config.Path, logger: config.Logger, now: config.Now}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("dbquery: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("dbquery: schema: %w", err)
	}
	return nil
}

// Close waits for borrowed connections and closes the pool.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("dbquery: closing %s: %w", s.path, err)
	}
	s.logger.Info("document store closed", "path", s.path)
	return nil
}

// Insert stores documents in collection in one transaction and
// returns how many were written.
func (s *Store) Insert(ctx context.Context, collection string, documents []map[string]any) (count int, err error) {
	if collection == "" {
		return 0, errors.New("dbquery: collection is required")
	}
	bodies := make([]string, len(documents))
	for i, document := range documents {
		body, err := json.Marshal(document)
		if err != nil {
			return 0, fmt.Errorf("dbquery: document %d: %w", i, err)
		}
		bodies[i] = string(body)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("dbquery: insert: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("dbquery: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	insertedAt := s.now().UnixNano()
	for _, body := range bodies {
		err = sqlitex.Execute(conn,
			"INSERT INTO documents (collection, body, inserted_at) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{collection, body, insertedAt}})
		if err != nil {
			return 0, fmt.Errorf("dbquery: insert into %s: %w", collection, err)
		}
	}
	return len(bodies), nil
}

// Query returns the documents in r.Collection matching r.Filter.
func (s *Store) Query(ctx context.Context, r Request) ([]map[string]any, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	limit := r.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	var f sqlFilter
	f.args = append(f.args, r.Collection)
	where, err := f.translate(r.Filter)
	if err != nil {
		return nil, fmt.Errorf("dbquery: filter: %w", err)
	}
	order, err := f.orderBy(r.Sort)
	if err != nil {
		return nil, fmt.Errorf("dbquery: sort: %w", err)
	}
	var query strings.Builder
	query.WriteString("SELECT body FROM documents WHERE collection = ? AND ")
	query.WriteString(where)
	query.WriteString(order)
	query.WriteString(" LIMIT ? OFFSET ?")
	f.args = append(f.args, limit, r.Skip)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("dbquery: query: %w", err)
	}
	defer s.pool.Put(conn)

	results := []map[string]any{}
	err = sqlitex.Execute(conn, query.String(), &sqlitex.ExecOptions{
		Args: f.args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			document, err := decodeDocument(stmt.ColumnText(0))
			if err != nil {
				return err
			}
			results = append(results, document)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dbquery: query %s: %w", r.Collection, err)
	}
	return results, nil
}

// Execute serves one db_client command payload and returns the
// RESPONSE payload. Failures are reported in the payload, never as a
// Go error, so every request gets an answer.
func (s *Store) Execute(ctx context.Context, payload map[string]any) map[string]any {
	command, _ := payload["command"].(string)
	var response Response
	switch command {
	case CommandQuery:
		response = s.executeQuery(ctx, payload)
	case CommandInsert:
		response = s.executeInsert(ctx, payload)
	default:
		response = errorResponse(fmt.Errorf("unknown command %q", command))
	}
	if !response.OK() {
		s.logger.Warn("db command failed", "command", command, "error", response.Error)
	}
	return response.Payload()
}

func (s *Store) executeQuery(ctx context.Context, payload map[string]any) Response {
	request, err := ParseRequest(payload)
	if err != nil {
		return errorResponse(err)
	}
	results, err := s.Query(ctx, request)
	if err != nil {
		return errorResponse(err)
	}
	s.logger.Debug("query served",
		"collection", request.Collection,
		"results", len(results),
	)
	return Response{Status: StatusSuccess, Results: results}
}

func (s *Store) executeInsert(ctx context.Context, payload map[string]any) Response {
	collection, _ := payload["collection"].(string)
	var documents []map[string]any
	switch data := payload["data"].(type) {
	case map[string]any:
		documents = []map[string]any{data}
	case []any:
		for i, item := range data {
			document, ok := item.(map[string]any)
			if !ok {
				return errorResponse(fmt.Errorf("dbquery: data[%d] is %T, want a map", i, item))
			}
			documents = append(documents, document)
		}
	default:
		return errorResponse(fmt.Errorf("dbquery: data must be a map or a list of maps, got %T", data))
	}
	count, err := s.Insert(ctx, collection, documents)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Status: StatusSuccess, Results: []map[string]any{}, Inserted: count}
}

// decodeDocument parses a stored body. Integral numbers come back as
// int64 so they survive re-encoding unchanged.
func decodeDocument(body string) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(body)))
	decoder.UseNumber()
	var document map[string]any
	if err := decoder.Decode(&document); err != nil {
		return nil, fmt.Errorf("dbquery: stored document: %w", err)
	}
	return normalizeNumbers(document).(map[string]any), nil
}

func normalizeNumbers(v any) any {
	switch value := v.(type) {
	case map[string]any:
		for key, item := range value {
			value[key] = normalizeNumbers(item)
		}
		return value
	case []any:
		for i, item := range value {
			value[i] = normalizeNumbers(item)
		}
		return value
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return n
		}
		if f, err := value.Float64(); err == nil && !math.IsInf(f, 0) {
			return f
		}
		return value.String()
	}
	return v
}
