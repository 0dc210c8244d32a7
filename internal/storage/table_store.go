package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/models"
	"github.com/syncqueue/internal/syncer"
)

// TableStore reads and writes synchronized tables of one Postgres database.
// Rows travel as full JSON images built with to_jsonb and written back with
// jsonb_populate_record, so any table with an id and a bigint version column
// can be synchronized without per-table code. Numbers in an image are kept as
// json.Number so bigint and numeric values survive the trip exactly.
type TableStore struct {
	db *PostgresDB

	mu      sync.Mutex
	columns map[string][]string
}

// NewTableStore creates a table store on db
func NewTableStore(db *PostgresDB) *TableStore {
	return &TableStore{db: db, columns: make(map[string][]string)}
}

var _ syncer.TableStore = (*TableStore)(nil)

// Extract returns rows with version > since. The inner query finds the
// version of the limit-th row; every row up to and including that version is
// returned so version groups never straddle two batches.
func (s *TableStore) Extract(ctx context.Context, spec models.TableSpec, since int64, limit int) ([]models.ChangeRecord, int64, error) {
	table := quoteTable(spec.Name)
	id := pgx.Identifier{spec.IDColumn}.Sanitize()
	version := pgx.Identifier{spec.VersionColumn}.Sanitize()

	query := fmt.Sprintf(`
		SELECT t.%[2]s::text, t.%[3]s, to_jsonb(t)
		FROM %[1]s t
		WHERE t.%[3]s > $1
		AND t.%[3]s <= (
			SELECT max(v) FROM (
				SELECT %[3]s AS v FROM %[1]s WHERE %[3]s > $1 ORDER BY %[3]s LIMIT $2
			) head
		)
		ORDER BY t.%[3]s, t.%[2]s
	`, table, id, version)

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.db.Pool().Query(ctx, query, since, limitArg)
	if err != nil {
		return nil, since, apperrors.NewDatabaseError("extract "+spec.Name, err)
	}
	defer rows.Close()

	var changes []models.ChangeRecord
	next := since
	for rows.Next() {
		c := models.ChangeRecord{TableName: spec.Name}
		var raw []byte
		if err := rows.Scan(&c.RowID, &c.Version, &raw); err != nil {
			return nil, since, apperrors.NewDatabaseError("scan "+spec.Name, err)
		}
		payload, err := decodeRowImage(raw)
		if err != nil {
			return nil, since, apperrors.NewFatalError(fmt.Sprintf("decode %s row %s", spec.Name, c.RowID), err)
		}
		c.Payload = payload
		changes = append(changes, c)
		next = c.Version
	}
	if err := rows.Err(); err != nil {
		return nil, since, apperrors.NewDatabaseError("iterate "+spec.Name, err)
	}
	return changes, next, nil
}

// Upsert writes full row images in one transaction, skipping rows whose
// stored version is newer than the incoming one. tie settles equal versions.
func (s *TableStore) Upsert(ctx context.Context, spec models.TableSpec, changes []models.ChangeRecord, tie syncer.TieRule) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	columns, err := s.tableColumns(ctx, spec.Name)
	if err != nil {
		return 0, err
	}
	query := upsertQuery(spec, columns, tie)

	written := 0
	err = s.db.InTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range changes {
			image, err := rowImage(spec, c)
			if err != nil {
				return err
			}
			batch.Queue(query, image)
		}

		results := tx.SendBatch(ctx, batch)
		for _, c := range changes {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return apperrors.NewDatabaseError(fmt.Sprintf("upsert %s row %s", spec.Name, c.RowID), err)
			}
			written += int(tag.RowsAffected())
		}
		if err := results.Close(); err != nil {
			return apperrors.NewDatabaseError("upsert "+spec.Name, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func upsertQuery(spec models.TableSpec, columns []string, tie syncer.TieRule) string {
	table := quoteTable(spec.Name)
	id := pgx.Identifier{spec.IDColumn}.Sanitize()
	version := pgx.Identifier{spec.VersionColumn}.Sanitize()

	sets := make([]string, 0, len(columns))
	for _, col := range columns {
		if col == spec.IDColumn {
			continue
		}
		q := pgx.Identifier{col}.Sanitize()
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}

	guard := "<="
	if tie == syncer.TieKeep {
		guard = "<"
	}

	return fmt.Sprintf(`
		INSERT INTO %[1]s
		SELECT * FROM jsonb_populate_record(NULL::%[1]s, $1::jsonb)
		ON CONFLICT (%[2]s) DO UPDATE SET %[4]s
		WHERE %[1]s.%[3]s %[5]s EXCLUDED.%[3]s
	`, table, id, version, strings.Join(sets, ", "), guard)
}

// decodeRowImage parses a to_jsonb image without routing numbers through float64
func decodeRowImage(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var image map[string]any
	if err := dec.Decode(&image); err != nil {
		return nil, err
	}
	return image, nil
}

// rowImage pins the id and version columns of the payload to the change's
// own values before it is written.
func rowImage(spec models.TableSpec, c models.ChangeRecord) ([]byte, error) {
	image := make(map[string]any, len(c.Payload)+2)
	for k, v := range c.Payload {
		image[k] = v
	}
	if _, ok := image[spec.IDColumn]; !ok {
		image[spec.IDColumn] = c.RowID
	}
	image[spec.VersionColumn] = c.Version

	data, err := json.Marshal(image)
	if err != nil {
		return nil, apperrors.NewFatalError(fmt.Sprintf("encode %s row %s", spec.Name, c.RowID), err)
	}
	return data, nil
}

func (s *TableStore) tableColumns(ctx context.Context, table string) ([]string, error) {
	s.mu.Lock()
	cols, ok := s.columns[table]
	s.mu.Unlock()
	if ok {
		return cols, nil
	}

	schema, name := splitTable(table)
	rows, err := s.db.Pool().Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = coalesce(nullif($1, ''), current_schema()) AND table_name = $2
		ORDER BY ordinal_position
	`, schema, name)
	if err != nil {
		return nil, apperrors.NewDatabaseError("describe "+table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, apperrors.NewDatabaseError("describe "+table, err)
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("describe "+table, err)
	}
	if len(cols) == 0 {
		return nil, apperrors.NewFatalError(fmt.Sprintf("table %s does not exist on %s", table, s.db.Name()), nil)
	}

	s.mu.Lock()
	s.columns[table] = cols
	s.mu.Unlock()
	return cols, nil
}

func splitTable(table string) (schema, name string) {
	if i := strings.IndexByte(table, '.'); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}

func quoteTable(table string) string {
	schema, name := splitTable(table)
	if schema == "" {
		return pgx.Identifier{name}.Sanitize()
	}
	return pgx.Identifier{schema, name}.Sanitize()
}
