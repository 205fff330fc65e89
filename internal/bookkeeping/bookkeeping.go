// Package bookkeeping is the operational audit store (spec.md's
// bookkeeping component, adapted from the teacher's internal/database):
// reload state-machine history, the per-(environment, container, port)
// allocation ledger, and certificate issuance/renewal history. It is
// never the configuration source of truth — the YAML tree under
// <base>/config/ remains authoritative — this store exists so the Reload
// Coordinator and Port Allocator's guarantees stay observable across a
// process restart.
package bookkeeping

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the underlying *sql.DB, switching query dialect on dbType
// the same way the teacher's Database does.
type Store struct {
	db     *sql.DB
	dbType string
}

// Open opens a bookkeeping store. dbType is "sqlite" or "postgres"; dsn is
// the SQLite file path or the Postgres connection string.
func Open(dbType, dsn string) (*Store, error) {
	var db *sql.DB
	var err error

	switch dbType {
	case "sqlite":
		db, err = sql.Open("sqlite3", dsn+"?_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite bookkeeping store: %w", err)
		}
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres bookkeeping store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported bookkeeping database type: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping bookkeeping store: %w", err)
	}

	return &Store{db: db, dbType: dbType}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every migration file for the store's dialect.
func (s *Store) Migrate() error {
	file := "migrations/000001_init_schema.up.sql"
	if s.dbType == "postgres" {
		file = "migrations/000001_init_schema.postgres.up.sql"
	}

	content, err := migrationsFS.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", file, err)
	}

	for _, stmt := range splitStatements(string(content)) {
		if _, err := s.db.Exec(stmt); err != nil {
			if !strings.Contains(err.Error(), "already exists") {
				return fmt.Errorf("migration %s failed: %w\nstatement: %s", file, err, stmt)
			}
		}
	}
	return nil
}

func splitStatements(content string) []string {
	var statements []string
	var current strings.Builder
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "--") || line == "" {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(line, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}
	return statements
}

// ReloadEvent is one row of the reload state-machine history.
type ReloadEvent struct {
	ID            string
	Container     string
	RequestedFull bool
	State         string // "reloading", "idle", "failed"
	Attempt       int
	Error         string
	CreatedAt     time.Time
}

// RecordReloadEvent appends one reload-history row.
func (s *Store) RecordReloadEvent(e ReloadEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	query := s.rebind(`INSERT INTO reload_events (id, container, requested_full, state, attempt, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.Exec(query, e.ID, e.Container, e.RequestedFull, e.State, e.Attempt, nullableString(e.Error), e.CreatedAt)
	return err
}

// ListReloadEvents returns container's most recent reload-history rows,
// newest first, up to limit (0 for unlimited).
func (s *Store) ListReloadEvents(container string, limit int) ([]ReloadEvent, error) {
	query := s.rebind(`SELECT id, container, requested_full, state, attempt, COALESCE(error, ''), created_at FROM reload_events WHERE container = ? ORDER BY created_at DESC`)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(query, container)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ReloadEvent
	for rows.Next() {
		var e ReloadEvent
		if err := rows.Scan(&e.ID, &e.Container, &e.RequestedFull, &e.State, &e.Attempt, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PortAllocation is one row of the per-(environment, container, port)
// allocation ledger.
type PortAllocation struct {
	ID            string
	Environment   string
	ContainerRef  string
	ContainerPort int
	Protocol      string
	HostPort      int
	CreatedAt     time.Time
}

// RecordPortAllocation upserts the host port resolved for a binding, so a
// restarted process can recover the same automatic allocation instead of
// reprobing from scratch.
func (s *Store) RecordPortAllocation(a PortAllocation) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if s.dbType == "postgres" {
		query := `INSERT INTO port_allocations (id, environment, container_ref, container_port, protocol, host_port, created_at)
		          VALUES ($1, $2, $3, $4, $5, $6, $7)
		          ON CONFLICT (environment, container_ref, container_port, protocol)
		          DO UPDATE SET host_port = $6, created_at = $7`
		_, err := s.db.Exec(query, a.ID, a.Environment, a.ContainerRef, a.ContainerPort, a.Protocol, a.HostPort, a.CreatedAt)
		return err
	}
	query := `INSERT INTO port_allocations (id, environment, container_ref, container_port, protocol, host_port, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT (environment, container_ref, container_port, protocol)
	          DO UPDATE SET host_port = excluded.host_port, created_at = excluded.created_at`
	_, err := s.db.Exec(query, a.ID, a.Environment, a.ContainerRef, a.ContainerPort, a.Protocol, a.HostPort, a.CreatedAt)
	return err
}

// GetPortAllocation returns the previously recorded host port for a
// binding, if any.
func (s *Store) GetPortAllocation(environment, containerRef string, containerPort int, protocol string) (*PortAllocation, bool, error) {
	query := s.rebind(`SELECT id, environment, container_ref, container_port, protocol, host_port, created_at FROM port_allocations
	          WHERE environment = ? AND container_ref = ? AND container_port = ? AND protocol = ?`)
	var a PortAllocation
	err := s.db.QueryRow(query, environment, containerRef, containerPort, protocol).Scan(
		&a.ID, &a.Environment, &a.ContainerRef, &a.ContainerPort, &a.Protocol, &a.HostPort, &a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &a, true, nil
}

// CertificateEvent is one row of the certificate issuance/renewal
// history.
type CertificateEvent struct {
	ID                string
	Domain            string
	Mode              string
	FingerprintSHA256 string
	NotBefore         time.Time
	NotAfter          time.Time
	Event             string // "issued" or "renewed"
	CreatedAt         time.Time
}

// RecordCertificateEvent appends one certificate-history row.
func (s *Store) RecordCertificateEvent(e CertificateEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	query := s.rebind(`INSERT INTO certificate_events (id, domain, mode, fingerprint_sha256, not_before, not_after, event, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.Exec(query, e.ID, e.Domain, e.Mode, e.FingerprintSHA256, e.NotBefore, e.NotAfter, e.Event, e.CreatedAt)
	return err
}

// ListCertificateEvents returns domain's certificate history, newest
// first.
func (s *Store) ListCertificateEvents(domain string) ([]CertificateEvent, error) {
	query := s.rebind(`SELECT id, domain, mode, fingerprint_sha256, not_before, not_after, event, created_at FROM certificate_events WHERE domain = ? ORDER BY created_at DESC`)
	rows, err := s.db.Query(query, domain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []CertificateEvent
	for rows.Next() {
		var e CertificateEvent
		if err := rows.Scan(&e.ID, &e.Domain, &e.Mode, &e.FingerprintSHA256, &e.NotBefore, &e.NotAfter, &e.Event, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// rebind rewrites "?" placeholders to "$N" for postgres, mirroring the
// teacher's per-dbType query-string switch.
func (s *Store) rebind(query string) string {
	if s.dbType != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
