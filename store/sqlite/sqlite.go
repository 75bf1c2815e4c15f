// Package sqlite persists runtime state in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/store"
	"github.com/c360/tripscope/widget"
)

const schema = `
CREATE TABLE IF NOT EXISTS widget_definitions (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	category    TEXT NOT NULL,
	version     TEXT,
	descriptor  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS widget_instances (
	id            TEXT PRIMARY KEY,
	definition_id TEXT NOT NULL,
	name          TEXT NOT NULL,
	status        TEXT NOT NULL,
	config        TEXT NOT NULL,
	inputs        TEXT NOT NULL,
	outputs       TEXT NOT NULL,
	metadata      TEXT NOT NULL,
	session_id    TEXT,
	last_updated  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS widget_metric_records (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	input       TEXT,
	output      TEXT,
	error       TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_metric_records_instance ON widget_metric_records(instance_id, timestamp);
`

// Store is a store.Adapter backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Adapter = (*Store)(nil)

// Open opens (creating when needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "Open", "path check")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "apply schema")
	}
	logger.Info("SQLite store ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func encode(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.WrapInvalid(err, "Store", "encode", "marshal json")
	}
	return string(b), nil
}

func decode(s sql.NullString) (widget.Values, error) {
	if !s.Valid || s.String == "" {
		return widget.Values{}, nil
	}
	var v widget.Values
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, errors.WrapInvalid(err, "Store", "decode", "unmarshal json")
	}
	if v == nil {
		v = widget.Values{}
	}
	return v, nil
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// SaveDefinition upserts a definition descriptor.
func (s *Store) SaveDefinition(ctx context.Context, def widget.Descriptor) error {
	desc, err := encode(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO widget_definitions(id, name, category, version, descriptor, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	category = excluded.category,
	version = excluded.version,
	descriptor = excluded.descriptor,
	updated_at = excluded.updated_at
`, def.ID, def.Name, string(def.Category), def.Version, desc, timestamp(time.Time{}))
	if err != nil {
		return errors.WrapTransient(err, "Store", "SaveDefinition", "upsert "+def.ID)
	}
	return nil
}

// SaveInstance upserts an instance.
func (s *Store) SaveInstance(ctx context.Context, inst *widget.Instance, sessionID string) error {
	if inst == nil || inst.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Store", "SaveInstance", "instance validation")
	}
	cols := make([]string, 0, 4)
	for _, v := range []widget.Values{inst.Config, inst.Inputs, inst.Outputs, inst.Metadata} {
		enc, err := encode(v)
		if err != nil {
			return err
		}
		cols = append(cols, enc)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO widget_instances(id, definition_id, name, status, config, inputs, outputs, metadata, session_id, last_updated)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	definition_id = excluded.definition_id,
	name = excluded.name,
	status = excluded.status,
	config = excluded.config,
	inputs = excluded.inputs,
	outputs = excluded.outputs,
	metadata = excluded.metadata,
	session_id = excluded.session_id,
	last_updated = excluded.last_updated
`, inst.ID, inst.DefinitionID, inst.Name, string(inst.Status), cols[0], cols[1], cols[2], cols[3],
		sql.NullString{String: sessionID, Valid: sessionID != ""}, timestamp(inst.LastUpdated))
	if err != nil {
		return errors.WrapTransient(err, "Store", "SaveInstance", "upsert "+inst.ID)
	}
	return nil
}

// UpdateInstance applies patch inside a transaction.
func (s *Store) UpdateInstance(ctx context.Context, id string, patch store.InstancePatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpdateInstance", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	inst, _, err := scanInstance(tx.QueryRowContext(ctx, instanceQuery+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return errors.NotFound("instance", id)
	}
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpdateInstance", "load "+id)
	}
	patch.Apply(inst)

	cols := make([]string, 0, 4)
	for _, v := range []widget.Values{inst.Config, inst.Inputs, inst.Outputs, inst.Metadata} {
		enc, err := encode(v)
		if err != nil {
			return err
		}
		cols = append(cols, enc)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE widget_instances
SET name = ?, status = ?, config = ?, inputs = ?, outputs = ?, metadata = ?, last_updated = ?
WHERE id = ?
`, inst.Name, string(inst.Status), cols[0], cols[1], cols[2], cols[3], timestamp(inst.LastUpdated), id); err != nil {
		return errors.WrapTransient(err, "Store", "UpdateInstance", "update "+id)
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "Store", "UpdateInstance", "commit")
	}
	return nil
}

// DeleteInstance removes an instance. Its metric records are kept.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM widget_instances WHERE id = ?`, id); err != nil {
		return errors.WrapTransient(err, "Store", "DeleteInstance", "delete "+id)
	}
	return nil
}

// SaveMetricRecord appends a processing record.
func (s *Store) SaveMetricRecord(ctx context.Context, rec store.MetricRecord) error {
	input, err := encode(rec.Input)
	if err != nil {
		return err
	}
	output, err := encode(rec.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO widget_metric_records(instance_id, timestamp, input, output, error, duration_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, rec.InstanceID, timestamp(rec.Timestamp), input, output,
		sql.NullString{String: rec.Error, Valid: rec.Error != ""}, rec.DurationMs)
	if err != nil {
		return errors.WrapTransient(err, "Store", "SaveMetricRecord", "insert")
	}
	return nil
}

// MetricRecords returns the records of instanceID ordered by time. limit <= 0 returns all.
func (s *Store) MetricRecords(ctx context.Context, instanceID string, limit int) ([]store.MetricRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT instance_id, timestamp, input, output, error, duration_ms
FROM widget_metric_records
WHERE instance_id = ?
ORDER BY timestamp, id
LIMIT ?
`, instanceID, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "MetricRecords", "query")
	}
	defer rows.Close()

	var out []store.MetricRecord
	for rows.Next() {
		var (
			rec           store.MetricRecord
			ts            string
			input, output sql.NullString
			errText       sql.NullString
		)
		if err := rows.Scan(&rec.InstanceID, &ts, &input, &output, &errText, &rec.DurationMs); err != nil {
			return nil, errors.Wrap(err, "Store", "MetricRecords", "scan")
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if rec.Input, err = decode(input); err != nil {
			return nil, err
		}
		if rec.Output, err = decode(output); err != nil {
			return nil, err
		}
		rec.Error = errText.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

const instanceQuery = `
SELECT i.id, i.definition_id, i.name, i.status, i.config, i.inputs, i.outputs, i.metadata, i.session_id, i.last_updated
FROM widget_instances i`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*widget.Instance, string, error) {
	var (
		inst                              widget.Instance
		status, updated                   string
		config, inputs, outputs, metadata sql.NullString
		session                           sql.NullString
	)
	if err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.Name, &status,
		&config, &inputs, &outputs, &metadata, &session, &updated); err != nil {
		return nil, "", err
	}
	inst.Status = widget.Status(status)
	inst.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)

	var err error
	if inst.Config, err = decode(config); err != nil {
		return nil, "", err
	}
	if inst.Inputs, err = decode(inputs); err != nil {
		return nil, "", err
	}
	if inst.Outputs, err = decode(outputs); err != nil {
		return nil, "", err
	}
	if inst.Metadata, err = decode(metadata); err != nil {
		return nil, "", err
	}
	return &inst, session.String, nil
}

// LoadPersistedInstances returns every saved instance with its definition,
// ordered by id. Rows that cannot be decoded are skipped with a warning.
func (s *Store) LoadPersistedInstances(ctx context.Context) ([]store.Persisted, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT i.id, i.definition_id, i.name, i.status, i.config, i.inputs, i.outputs, i.metadata, i.session_id, i.last_updated, d.descriptor
FROM widget_instances i
LEFT JOIN widget_definitions d ON d.id = i.definition_id
ORDER BY i.id
`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "LoadPersistedInstances", "query")
	}
	defer rows.Close()

	var out []store.Persisted
	for rows.Next() {
		var descriptor sql.NullString
		var p store.Persisted
		inst, session, err := scanInstance(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &descriptor)...)
		}))
		if err != nil {
			s.logger.Warn("Skipping unreadable persisted instance", "error", err)
			continue
		}
		p.Instance, p.SessionID = inst, session
		if descriptor.Valid {
			if err := json.Unmarshal([]byte(descriptor.String), &p.Definition); err != nil {
				s.logger.Warn("Unreadable definition descriptor", "definition_id", inst.DefinitionID, "error", err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "LoadPersistedInstances", "iterate")
	}
	return out, nil
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
