package stores

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/upgrade/pkg/engine"
	"github.com/openfroyo/upgrade/pkg/topology"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// errNotInitialized is returned by calls made before Init.
var errNotInitialized = errors.New("database not initialized")

// SQLiteStore is the Store backed by a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config configures the connection pool of a SQLiteStore. Zero values get
// defaults; in-memory databases always use a single connection.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}

	switch {
	case isMemory(cfg.Path):
		// each :memory: connection is its own database
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	default:
		cfg.MaxOpenConns = orDefault(cfg.MaxOpenConns, 4)
		cfg.MaxIdleConns = orDefault(cfg.MaxIdleConns, 2)
		if cfg.ConnMaxLifetime == 0 {
			cfg.ConnMaxLifetime = 5 * time.Minute
		}
	}
	return &SQLiteStore{cfg: cfg}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate&_time_format=sqlite"
	if !isMemory(s.cfg.Path) {
		pragmas += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + pragmas

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.cfg.Path, err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to open %s: %w", s.cfg.Path, err)
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded schema migrations that have not run yet.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	target, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", target)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, rolling back when fn fails.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveTopology replaces the stored topology with nodes.
func (s *SQLiteStore) SaveTopology(ctx context.Context, nodes []topology.NodeState) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes`); err != nil {
			return fmt.Errorf("failed to clear topology: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO nodes (id, parent_id, position, name, catalog_ref, config, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare node insert: %w", err)
		}
		defer stmt.Close()

		for _, n := range nodes {
			config := n.Config
			if config == nil {
				config = map[string]interface{}{}
			}
			raw, err := json.Marshal(config)
			if err != nil {
				return fmt.Errorf("failed to encode config of node %s: %w", n.ID, err)
			}
			var parent *string
			if n.ParentID != "" {
				p := n.ParentID
				parent = &p
			}
			if _, err := stmt.ExecContext(ctx, n.ID, parent, n.Position, n.Name, n.CatalogRef, string(raw), now); err != nil {
				return fmt.Errorf("failed to save node %s: %w", n.ID, err)
			}
		}
		return nil
	})
}

// LoadTopology returns the stored topology, roots first, siblings in order.
// Config numbers are decoded as json.Number so integers survive.
func (s *SQLiteStore) LoadTopology(ctx context.Context) ([]topology.NodeState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, position, name, catalog_ref, config
		FROM nodes
		ORDER BY parent_id IS NOT NULL, parent_id, position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load topology: %w", err)
	}
	return collect(rows, "node", func(r rowScanner) (topology.NodeState, error) {
		var n topology.NodeState
		var parent sql.NullString
		var raw string
		if err := r.Scan(&n.ID, &parent, &n.Position, &n.Name, &n.CatalogRef, &raw); err != nil {
			return n, err
		}
		n.ParentID = parent.String
		if err := decodeJSON(raw, &n.Config); err != nil {
			return n, fmt.Errorf("config of node %s: %w", n.ID, err)
		}
		if len(n.Config) == 0 {
			n.Config = nil
		}
		return n, nil
	})
}

// SaveNodeTypes upserts node types by catalog reference.
func (s *SQLiteStore) SaveNodeTypes(ctx context.Context, types []*topology.NodeType) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range types {
			def := *t
			def.Keys = make([]topology.ConfigKey, len(t.Keys))
			for i, k := range t.Keys {
				k.Default = engine.EncodeValue(k.Default)
				def.Keys[i] = k
			}
			raw, err := json.Marshal(&def)
			if err != nil {
				return fmt.Errorf("failed to encode node type %s: %w", t.Ref(), err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO node_types (ref, name, version, definition, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(ref) DO UPDATE SET
					definition = excluded.definition,
					updated_at = excluded.updated_at
			`, t.Ref(), t.Name, t.Version, string(raw), now)
			if err != nil {
				return fmt.Errorf("failed to save node type %s: %w", t.Ref(), err)
			}
		}
		return nil
	})
}

// ListNodeTypes returns the stored node types, validated and sorted by
// reference.
func (s *SQLiteStore) ListNodeTypes(ctx context.Context) ([]*topology.NodeType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ref, definition FROM node_types ORDER BY ref`)
	if err != nil {
		return nil, fmt.Errorf("failed to list node types: %w", err)
	}
	return collect(rows, "node type", func(r rowScanner) (*topology.NodeType, error) {
		var ref, raw string
		if err := r.Scan(&ref, &raw); err != nil {
			return nil, err
		}
		t := &topology.NodeType{}
		if err := decodeJSON(raw, t); err != nil {
			return nil, fmt.Errorf("%s: %w", ref, err)
		}
		for i := range t.Keys {
			def, err := engine.DecodeValue(t.Keys[i].Default)
			if err != nil {
				return nil, fmt.Errorf("%s: key %s: %w", ref, t.Keys[i].Name, err)
			}
			t.Keys[i].Default = def
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("stored node type %s is invalid: %w", ref, err)
		}
		return t, nil
	})
}

const planColumns = `id, blueprint, fingerprint, state, modifications, errors, summary, error, created_at, updated_at, applied_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*PlanRecord, error) {
	p := &PlanRecord{}
	err := row.Scan(
		&p.ID,
		&p.Blueprint,
		&p.Fingerprint,
		&p.State,
		&p.Modifications,
		&p.Errors,
		&p.Summary,
		&p.Error,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.AppliedAt,
	)
	return p, err
}

// CreatePlan creates a new plan record
func (s *SQLiteStore) CreatePlan(ctx context.Context, plan *PlanRecord) error {
	if err := plan.State.Validate(); err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	now := time.Now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.CreatedAt = plan.CreatedAt.UTC()
	plan.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upgrade_plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		plan.ID,
		plan.Blueprint,
		plan.Fingerprint,
		plan.State,
		plan.Modifications,
		plan.Errors,
		plan.Summary,
		plan.Error,
		plan.CreatedAt,
		plan.UpdatedAt,
		plan.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}

	return nil
}

// GetPlan retrieves a plan by ID
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*PlanRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM upgrade_plans WHERE id = ?`, id)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// UpdatePlanState records the outcome of running a plan. applied_at is
// set when the state is applied.
func (s *SQLiteStore) UpdatePlanState(ctx context.Context, id string, state engine.PlanState, summary string, errMsg *string) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	now := time.Now().UTC()
	var appliedAt *time.Time
	if state == engine.PlanStateApplied {
		appliedAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE upgrade_plans
		SET state = ?, summary = ?, error = ?, updated_at = ?, applied_at = COALESCE(?, applied_at)
		WHERE id = ?
	`, state, summary, errMsg, now, appliedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListPlans returns plans newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context, limit, offset int) ([]*PlanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM upgrade_plans ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return collect(rows, "plan", scanPlan)
}

// AppendEvent stores event and sets its ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	event.Timestamp = stamp(event.Timestamp)
	id, err := s.insert(ctx,
		`INSERT INTO events (plan_id, node_id, level, type, message, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.PlanID, event.NodeID, event.Level, event.Type, event.Message, event.Details, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	event.ID = id
	return nil
}

// GetEvents returns events newest first. Nil filters match everything.
func (s *SQLiteStore) GetEvents(ctx context.Context, planID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, node_id, level, type, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR plan_id = ?) AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, planID, planID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return collect(rows, "event", func(r rowScanner) (*Event, error) {
		e := &Event{}
		return e, r.Scan(&e.ID, &e.PlanID, &e.NodeID, &e.Level, &e.Type, &e.Message, &e.Details, &e.Timestamp)
	})
}

// CreateAuditEntry stores entry and sets its ID.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	entry.Timestamp = stamp(entry.Timestamp)
	id, err := s.insert(ctx,
		`INSERT INTO audit (action, actor, target_id, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
		entry.Action, entry.Actor, entry.TargetID, entry.Details, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAuditEntries returns audit entries newest first. Nil filters match
// everything.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?) AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return collect(rows, "audit entry", func(r rowScanner) (*AuditEntry, error) {
		e := &AuditEntry{}
		return e, r.Scan(&e.ID, &e.Action, &e.Actor, &e.TargetID, &e.Details, &e.Timestamp)
	})
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// collect scans every row and closes rows.
func collect[T any](rows *sql.Rows, what string, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", what, err)
	}
	return out, nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC()
}

func decodeJSON(raw string, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	return dec.Decode(v)
}
