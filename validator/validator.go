// Package validator makes a PostgreSQL server ready for logical
// replication before streaming starts. It checks the current role's
// privileges, converges the WAL settings (waiting out the server
// restart that ALTER SYSTEM changes may require), and creates the
// publication and replication slot when missing.
package validator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPermissionDenied marks an insufficient grant. Retrying cannot
	// fix it, so the run aborts immediately.
	ErrPermissionDenied = errors.New("insufficient database privileges")

	// ErrConnectExhausted is returned when the initial connection
	// attempts are used up.
	ErrConnectExhausted = errors.New("connection attempts exhausted")

	// ErrSettleTimeout is returned when the server settings do not
	// converge within the configured deadline.
	ErrSettleTimeout = errors.New("timed out waiting for settings to settle")
)

// Required lower bounds for the WAL-related server settings.
const (
	requiredWALLevel    = "logical"
	minReplicationSlots = 5
	minWALSenders       = 5
)

// Conn is the slice of pgx.Conn the validator needs. *pgx.Conn
// satisfies it; tests substitute fakes.
type Conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector opens a fresh administrative connection. The validator
// never reuses a handle across a reconnect; it always asks for a new
// one and closes the old.
type Connector func(ctx context.Context) (Conn, error)

// Config holds the knobs for a validation run.
type Config struct {
	Host            string
	Database        string
	User            string
	Schema          string
	SlotName        string
	PublicationName string

	ConnectAttempts int
	ConnectDelay    time.Duration
	RecheckDelay    time.Duration
	SettleTimeout   time.Duration
}

// Validator drives the validation state machine. A single Validator
// may be run multiple times; each run owns its own connection.
type Validator struct {
	conf    Config
	connect Connector
}

func New(conf Config, connect Connector) *Validator {
	if conf.ConnectAttempts <= 0 {
		conf.ConnectAttempts = 5
	}
	if conf.ConnectDelay <= 0 {
		conf.ConnectDelay = 3 * time.Second
	}
	if conf.RecheckDelay <= 0 {
		conf.RecheckDelay = 3 * time.Second
	}
	if conf.SettleTimeout <= 0 {
		conf.SettleTimeout = 2 * time.Minute
	}
	return &Validator{conf: conf, connect: connect}
}

// run carries the per-run mutable state: the current connection handle
// and the accumulating result. Reconnecting swaps the handle explicitly
// and always closes the previous one.
type run struct {
	v    *Validator
	conn Conn
	res  *Result
}

// Run executes the state machine: connect, check permissions, converge
// WAL settings, ensure publication and slot, fix replica identities,
// and summarize. Permission failures abort immediately; every other
// failure is retried from the current stage until the settle deadline
// expires.
func (v *Validator) Run(ctx context.Context) (*Result, error) {
	res := NewResult()

	runCtx, cancel := context.WithTimeout(ctx, v.conf.SettleTimeout)
	defer cancel()

	conn, err := v.connectWithRetry(runCtx)
	if err != nil {
		res.AddError(fmt.Sprintf("failed to connect to PostgreSQL: %v", err))
		return res, err
	}

	r := &run{v: v, conn: conn, res: res}
	defer func() {
		if r.conn != nil {
			_ = r.conn.Close(context.Background())
		}
	}()

	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"permissions", r.checkPermissions},
		{"wal settings", r.checkWALSettings},
		{"publication", r.checkPublication},
		{"replication slot", r.checkSlot},
		{"replica identity", r.checkReplicaIdentity},
		{"connection summary", r.summarize},
	}

	attempts := 0
	for i := 0; i < len(stages); {
		st := stages[i]

		// A failed reconnect leaves the run without a connection. The
		// stage cannot execute against nothing, so keep re-attempting
		// the connect; the settle deadline bounds the wait.
		if r.conn == nil {
			if !sleepCtx(runCtx, v.conf.RecheckDelay) {
				res.AddError(settleError(st.name, v.conf.SettleTimeout))
				return res, ErrSettleTimeout
			}
			r.ensureConnected(runCtx)
			continue
		}

		err := st.fn(runCtx)
		if err == nil {
			i++
			continue
		}

		if errors.Is(err, ErrPermissionDenied) {
			return res, err
		}

		if runCtx.Err() != nil {
			res.AddError(settleError(st.name, v.conf.SettleTimeout))
			return res, ErrSettleTimeout
		}

		attempts++
		log.Warn().
			Err(err).
			Str("stage", st.name).
			Int("attempt", attempts).
			Msg("Validation stage failed, retrying")

		if !sleepCtx(runCtx, v.conf.RecheckDelay) {
			res.AddError(settleError(st.name, v.conf.SettleTimeout))
			return res, ErrSettleTimeout
		}
		r.ensureConnected(runCtx)
	}

	return res, nil
}

// connectWithRetry opens a connection, backing off exponentially
// between attempts. Exhausting the attempts is a startup failure.
func (v *Validator) connectWithRetry(ctx context.Context) (Conn, error) {
	delay := v.conf.ConnectDelay
	var lastErr error

	for attempt := 1; attempt <= v.conf.ConnectAttempts; attempt++ {
		log.Info().
			Int("attempt", attempt).
			Int("max_attempts", v.conf.ConnectAttempts).
			Msg("Connecting to PostgreSQL")

		conn, err := v.connect(ctx)
		if err == nil {
			log.Info().Msg("Connected to PostgreSQL")
			return conn, nil
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Failed to connect to PostgreSQL")

		if attempt < v.conf.ConnectAttempts {
			if !sleepCtx(ctx, delay) {
				break
			}
			delay *= 2
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectExhausted, v.conf.ConnectAttempts, lastErr)
}

// ensureConnected replaces a dead connection with a fresh handle. A
// failure here is left for the next stage attempt to surface.
func (r *run) ensureConnected(ctx context.Context) {
	if r.conn != nil && r.conn.Ping(ctx) == nil {
		return
	}
	if r.conn != nil {
		_ = r.conn.Close(context.Background())
		r.conn = nil
	}
	conn, err := r.v.connectWithRetry(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Reconnect failed")
		return
	}
	log.Info().Msg("Reconnected to PostgreSQL")
	r.conn = conn
}

func (r *run) checkPermissions(ctx context.Context) error {
	var hasReplication bool
	err := r.conn.QueryRow(ctx,
		"SELECT rolreplication FROM pg_roles WHERE rolname = current_user").Scan(&hasReplication)
	if err != nil {
		return fmt.Errorf("check replication privilege: %w", err)
	}
	if !hasReplication {
		r.res.AddError("current user does not have replication permission")
		return ErrPermissionDenied
	}

	var hasUsage bool
	err = r.conn.QueryRow(ctx, fmt.Sprintf(
		"SELECT has_schema_privilege(current_user, '%s', 'USAGE')", r.v.conf.Schema)).Scan(&hasUsage)
	if err != nil {
		return fmt.Errorf("check schema privilege: %w", err)
	}
	if !hasUsage {
		r.res.AddError(fmt.Sprintf("current user does not have USAGE permission on schema %s", r.v.conf.Schema))
		return ErrPermissionDenied
	}

	r.res.AddInfo("user permissions validated successfully")
	return nil
}

// checkWALSettings converges wal_level, max_replication_slots and
// max_wal_senders. The first pass applies missing settings via ALTER
// SYSTEM; since those may need a server restart to take effect, the
// loop then rechecks on an interval, reconnecting whenever the
// connection died across the restart. The run context's deadline
// bounds the wait.
func (r *run) checkWALSettings(ctx context.Context) error {
	ok, err := r.walSettingsReady(ctx, true)
	if err != nil {
		return err
	}

	recheck := 0
	for !ok {
		if !sleepCtx(ctx, r.v.conf.RecheckDelay) {
			return ctx.Err()
		}
		r.ensureConnected(ctx)
		if r.conn == nil {
			continue
		}

		recheck++
		ok, err = r.walSettingsReady(ctx, false)
		if err != nil {
			// Expected while the server restarts; keep waiting.
			log.Debug().Err(err).Int("recheck", recheck).Msg("WAL settings not readable yet")
			continue
		}
	}

	if recheck > 0 {
		r.res.AddInfo(fmt.Sprintf("WAL settings validated successfully after %d rechecks", recheck))
	} else {
		r.res.AddInfo("WAL settings validated successfully")
	}
	return nil
}

// walSettingsReady reads the three WAL-related settings and reports
// whether they all satisfy the requirements. When apply is set,
// out-of-spec settings are changed with ALTER SYSTEM SET.
func (r *run) walSettingsReady(ctx context.Context, apply bool) (bool, error) {
	ready := true

	walLevel, err := r.showParameter(ctx, "wal_level")
	if err != nil {
		return false, err
	}
	if walLevel != requiredWALLevel {
		ready = false
		if apply {
			if err := r.setParameter(ctx, "wal_level", requiredWALLevel); err != nil {
				return false, err
			}
		}
		log.Info().Str("current", walLevel).Msg("Waiting for wal_level to become 'logical'")
	}

	counters := []struct {
		setting string
		minimum int
	}{
		{"max_replication_slots", minReplicationSlots},
		{"max_wal_senders", minWALSenders},
	}
	for _, c := range counters {
		setting, minimum := c.setting, c.minimum
		raw, err := r.showParameter(ctx, setting)
		if err != nil {
			return false, err
		}
		current, err := strconv.Atoi(raw)
		if err != nil {
			return false, fmt.Errorf("parse %s value %q: %w", setting, raw, err)
		}
		if current < minimum {
			ready = false
			if apply {
				if err := r.setParameter(ctx, setting, strconv.Itoa(minimum)); err != nil {
					return false, err
				}
			}
			log.Info().
				Str("setting", setting).
				Int("current", current).
				Int("required", minimum).
				Msg("Waiting for setting to reach required value")
		}
	}

	return ready, nil
}

func (r *run) checkPublication(ctx context.Context) error {
	name := r.v.conf.PublicationName

	var one int
	err := r.conn.QueryRow(ctx, fmt.Sprintf(
		"SELECT 1 FROM pg_publication WHERE pubname = '%s'", name)).Scan(&one)
	switch {
	case err == nil:
		r.res.AddInfo(fmt.Sprintf("publication already exists: %s", name))
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := r.conn.Exec(ctx, fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", name)); err != nil {
			return fmt.Errorf("create publication: %w", err)
		}
		r.res.AddInfo(fmt.Sprintf("created publication: %s", name))
		return nil
	default:
		return fmt.Errorf("check publication: %w", err)
	}
}

func (r *run) checkSlot(ctx context.Context) error {
	name := r.v.conf.SlotName

	var one int
	err := r.conn.QueryRow(ctx, fmt.Sprintf(
		"SELECT 1 FROM pg_replication_slots WHERE slot_name = '%s'", name)).Scan(&one)
	switch {
	case err == nil:
		r.res.AddInfo(fmt.Sprintf("replication slot already exists: %s", name))
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := r.conn.Exec(ctx, fmt.Sprintf(
			"SELECT pg_create_logical_replication_slot('%s', 'pgoutput')", name)); err != nil {
			return fmt.Errorf("create replication slot: %w", err)
		}
		r.res.AddInfo(fmt.Sprintf("created replication slot: %s", name))
		return nil
	default:
		return fmt.Errorf("check replication slot: %w", err)
	}
}

// checkReplicaIdentity sets REPLICA IDENTITY FULL on every table in the
// target schema that has no primary key, so that update and delete
// events carry full row data. Affected tables are surfaced as a
// warning: full-row identity is more expensive to capture and usually
// means the schema deserves a primary key.
func (r *run) checkReplicaIdentity(ctx context.Context) error {
	rows, err := r.conn.Query(ctx, fmt.Sprintf(
		`SELECT tablename FROM pg_tables t
		 WHERE schemaname = '%s'
		 AND NOT EXISTS (
		     SELECT 1 FROM information_schema.table_constraints c
		     WHERE c.table_schema = t.schemaname
		     AND c.table_name = t.tablename
		     AND c.constraint_type = 'PRIMARY KEY'
		 )`, r.v.conf.Schema))
	if err != nil {
		return fmt.Errorf("list tables without primary key: %w", err)
	}

	var tables []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			rows.Close()
			return fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, table)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tables: %w", err)
	}

	for _, table := range tables {
		if _, err := r.conn.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %s.%s REPLICA IDENTITY FULL", r.v.conf.Schema, table)); err != nil {
			return fmt.Errorf("set replica identity on %s.%s: %w", r.v.conf.Schema, table, err)
		}
		r.res.AddInfo(fmt.Sprintf("set REPLICA IDENTITY FULL for table: %s", table))
	}

	if len(tables) > 0 {
		r.res.AddWarning(fmt.Sprintf("tables without primary keys (REPLICA IDENTITY FULL set): %s",
			strings.Join(tables, ", ")))
	}
	return nil
}

// summarize records the effective connection parameters for operator
// diagnostics.
func (r *run) summarize(ctx context.Context) error {
	listen, err := r.showParameter(ctx, "listen_addresses")
	if err != nil {
		return err
	}
	port, err := r.showParameter(ctx, "port")
	if err != nil {
		return err
	}

	// A wildcard listen address is not a usable endpoint; report the
	// host we connected through instead.
	if listen == "*" {
		listen = r.v.conf.Host
	}

	r.res.AddInfo(fmt.Sprintf(
		"connection: host=%s port=%s database=%s user=%s slot=%s publication=%s",
		listen, port, r.v.conf.Database, r.v.conf.User,
		r.v.conf.SlotName, r.v.conf.PublicationName))
	return nil
}

func (r *run) showParameter(ctx context.Context, name string) (string, error) {
	var value string
	if err := r.conn.QueryRow(ctx, "SHOW "+name).Scan(&value); err != nil {
		return "", fmt.Errorf("show %s: %w", name, err)
	}
	return value, nil
}

func (r *run) setParameter(ctx context.Context, name, value string) error {
	if _, err := r.conn.Exec(ctx, fmt.Sprintf("ALTER SYSTEM SET %s = '%s'", name, value)); err != nil {
		return fmt.Errorf("alter system set %s: %w", name, err)
	}
	r.res.AddInfo(fmt.Sprintf("changed %s to: %s", name, value))
	return nil
}

// sleepCtx sleeps for d, returning false if the context expired first.
func settleError(stage string, timeout time.Duration) string {
	return fmt.Sprintf("%s check did not settle within %s", stage, timeout)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// PgxConnector returns a Connector backed by a plain pgx connection to
// the given DSN. This connection is owned exclusively by the validator
// and is separate from the replication connection.
func PgxConnector(dsn string) Connector {
	return func(ctx context.Context) (Conn, error) {
		return pgx.Connect(ctx, dsn)
	}
}
