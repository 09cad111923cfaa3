// Package migrate applies the versioned SQL schema and one-shot seed files.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	seedSuffix = ".sql"
)

// ErrNothingApplied is returned by Down on an empty history.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager runs migrations and seeds against a database.
//
// A migration is a VERSION.up.sql file with an optional VERSION.down.sql
// sibling; versions run in lexical order. Every .sql file under the seeds
// tree is a seed that runs once. Each file runs in one transaction together
// with its journal entry.
type Manager struct {
	db         *sql.DB
	schema     fs.FS
	seeds      fs.FS
	migrations journal
	seeded     journal
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the journal table for migrations.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrations.table = name
		}
	}
}

// WithSeedsTable overrides the journal table for seeds.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seeded.table = name
		}
	}
}

// NewManager builds a Manager. Either file system may be nil.
func NewManager(db *sql.DB, schema, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		schema:     schema,
		seeds:      seeds,
		migrations: journal{table: "schema_migrations"},
		seeded:     journal{table: "schema_seeds"},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every migration missing from the journal.
func (m *Manager) Up(ctx context.Context) error {
	plan, done, err := m.prepare(ctx, m.migrations, m.schema, upSuffix)
	if err != nil {
		return err
	}
	for _, st := range plan {
		if done[st.version] {
			continue
		}
		version := st.version
		if err := m.run(ctx, m.schema, st.file, func(tx *sql.Tx) error {
			return m.migrations.record(ctx, tx, version)
		}); err != nil {
			return fmt.Errorf("migrate: up %s: %w", version, err)
		}
	}
	return nil
}

// Down reverts the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureJournals(ctx); err != nil {
		return err
	}
	history, err := m.migrations.ordered(ctx, m.db)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return ErrNothingApplied
	}
	latest := history[len(history)-1]
	plan, err := loadSteps(m.schema, upSuffix)
	if err != nil {
		return err
	}
	var revert string
	for _, st := range plan {
		if st.version == latest {
			revert = st.revert
		}
	}
	if revert == "" {
		return fmt.Errorf("migrate: %s has no %s file", latest, downSuffix)
	}
	if err := m.run(ctx, m.schema, revert, func(tx *sql.Tx) error {
		return m.migrations.forget(ctx, tx, latest)
	}); err != nil {
		return fmt.Errorf("migrate: down %s: %w", latest, err)
	}
	return nil
}

// Status lists applied migration versions in the order they ran.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureJournals(ctx); err != nil {
		return nil, err
	}
	return m.migrations.ordered(ctx, m.db)
}

// Pending lists migration versions Up would apply, in order.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	plan, done, err := m.prepare(ctx, m.migrations, m.schema, upSuffix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, st := range plan {
		if !done[st.version] {
			out = append(out, st.version)
		}
	}
	return out, nil
}

// Seed runs seed files that have not run before.
func (m *Manager) Seed(ctx context.Context) error {
	plan, done, err := m.prepare(ctx, m.seeded, m.seeds, seedSuffix)
	if err != nil {
		return err
	}
	for _, st := range plan {
		if done[st.version] {
			continue
		}
		version := st.version
		if err := m.run(ctx, m.seeds, st.file, func(tx *sql.Tx) error {
			return m.seeded.record(ctx, tx, version)
		}); err != nil {
			return fmt.Errorf("migrate: seed %s: %w", version, err)
		}
	}
	return nil
}

func (m *Manager) prepare(ctx context.Context, j journal, fsys fs.FS, suffix string) ([]step, map[string]bool, error) {
	if err := m.ensureJournals(ctx); err != nil {
		return nil, nil, err
	}
	done, err := j.applied(ctx, m.db)
	if err != nil {
		return nil, nil, err
	}
	plan, err := loadSteps(fsys, suffix)
	if err != nil {
		return nil, nil, err
	}
	return plan, done, nil
}

func (m *Manager) ensureJournals(ctx context.Context) error {
	for _, j := range []journal{m.migrations, m.seeded} {
		if err := j.ensure(ctx, m.db); err != nil {
			return fmt.Errorf("migrate: create %s: %w", j.table, err)
		}
	}
	return nil
}

// run executes the statements of one file and then finish, all in one
// transaction.
func (m *Manager) run(ctx context.Context, fsys fs.FS, file string, finish func(*sql.Tx) error) error {
	body, err := fs.ReadFile(fsys, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for i, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	if err := finish(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// journal is a bookkeeping table of applied versions.
type journal struct {
	table string
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (j journal) ensure(ctx context.Context, db execQuerier) error {
	_, err := db.ExecContext(ctx, `create table if not exists `+j.table+` (
		version    text primary key,
		applied_at timestamptz not null default now()
	)`)
	return err
}

func (j journal) applied(ctx context.Context, db execQuerier) (map[string]bool, error) {
	versions, err := j.scan(ctx, db, `select version from `+j.table)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(versions))
	for _, v := range versions {
		set[v] = true
	}
	return set, nil
}

func (j journal) ordered(ctx context.Context, db execQuerier) ([]string, error) {
	return j.scan(ctx, db, `select version from `+j.table+` order by applied_at, version`)
}

func (j journal) scan(ctx context.Context, db execQuerier, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("migrate: read %s: %w", j.table, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (j journal) record(ctx context.Context, tx *sql.Tx, version string) error {
	_, err := tx.ExecContext(ctx, `insert into `+j.table+` (version, applied_at) values ($1, $2)`, version, time.Now().UTC())
	return err
}

func (j journal) forget(ctx context.Context, tx *sql.Tx, version string) error {
	_, err := tx.ExecContext(ctx, `delete from `+j.table+` where version = $1`, version)
	return err
}

// step is one versioned file. revert is empty for seeds and for migrations
// without a down file.
type step struct {
	version string
	file    string
	revert  string
}

func loadSteps(fsys fs.FS, suffix string) ([]step, error) {
	if fsys == nil {
		return nil, nil
	}
	var steps []step
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, suffix) {
			return nil
		}
		// Schema files never count as seeds.
		if suffix == seedSuffix && (strings.HasSuffix(name, upSuffix) || strings.HasSuffix(name, downSuffix)) {
			return nil
		}
		st := step{version: strings.TrimSuffix(name, suffix), file: p}
		if suffix == upSuffix {
			down := path.Join(path.Dir(p), st.version+downSuffix)
			if _, err := fs.Stat(fsys, down); err == nil {
				st.revert = down
			}
		}
		steps = append(steps, st)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(steps, func(i, k int) bool { return steps[i].version < steps[k].version })
	for i := 1; i < len(steps); i++ {
		if steps[i].version == steps[i-1].version {
			return nil, fmt.Errorf("migrate: version %s appears twice", steps[i].version)
		}
	}
	return steps, nil
}

// splitStatements cuts a SQL script at top-level semicolons. Semicolons inside
// quoted strings, $$ bodies and -- comments do not end a statement.
func splitStatements(src string) []string {
	var out []string
	var quoted, dollar, comment bool
	start := 0
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case comment:
			comment = c != '\n'
		case quoted:
			quoted = c != '\''
		case dollar:
			if strings.HasPrefix(src[i:], "$$") {
				dollar = false
				i++
			}
		case c == '\'':
			quoted = true
		case strings.HasPrefix(src[i:], "--"):
			comment = true
		case strings.HasPrefix(src[i:], "$$"):
			dollar = true
			i++
		case c == ';':
			if stmt := strings.TrimSpace(src[start : i+1]); stmt != ";" {
				out = append(out, stmt)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(src[start:]); !onlyComments(tail) {
		out = append(out, tail)
	}
	return out
}

func onlyComments(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
