// Package relational implements the Relational Adapter: connection
// lifecycle, streamed query execution, trigger install, a LISTEN/NOTIFY
// bridge, and batched bulk insert.
//
// Query/exec go through database/sql via pgx's stdlib driver
// (github.com/jackc/pgx/v5/stdlib) rather than pgxpool directly, so the
// adapter can be exercised in tests with github.com/DATA-DOG/go-sqlmock; a
// dedicated *pgx.Conn (outside the sql.DB pool, per pgx's own
// LISTEN/NOTIFY guidance) backs the notification bridge, since
// database/sql has no notification primitive.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chainflow/streamd/internal/errs"
	"github.com/chainflow/streamd/internal/registry"
)

// TriggerConfig describes a row-level change trigger to install.
type TriggerConfig struct {
	TriggerName string
	Table       string
	ConditionSQL string
}

// Row is one query result row as a column-name-keyed mapping, matching the
// original's row._asdict() shape.
type Row map[string]any

// Adapter is one relational client's session.
type Adapter struct {
	clientID         string
	connectionString string
	logger           *slog.Logger

	retryLimit    int
	retryInterval time.Duration

	mu    sync.RWMutex
	db    *sql.DB
	state registry.State

	cancelVerify context.CancelFunc
}

// New constructs an Adapter. ConnectAndVerify must be called before use.
func New(clientID, connectionString string, logger *slog.Logger, retryLimit int, retryInterval time.Duration) *Adapter {
	return &Adapter{
		clientID:         clientID,
		connectionString: connectionString,
		logger:           logger,
		retryLimit:       retryLimit,
		retryInterval:    retryInterval,
		state:            registry.StateConnecting,
	}
}

func (a *Adapter) ID() string            { return a.clientID }
func (a *Adapter) Kind() registry.Kind   { return registry.KindRelational }
func (a *Adapter) State() registry.State { a.mu.RLock(); defer a.mu.RUnlock(); return a.state }

func (a *Adapter) setState(s registry.State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Close stops the verifier and closes the pool, satisfying registry.Client.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.cancelVerify != nil {
		a.cancelVerify()
	}
	db := a.db
	a.mu.Unlock()
	if db != nil {
		return db.Close()
	}
	return nil
}

// ConnectAndVerify opens the pool and issues SELECT 1, retrying with
// retryInterval up to retryLimit times (-1 = infinite). It only returns
// ErrConnectFailed once a finite budget is exhausted.
func (a *Adapter) ConnectAndVerify(ctx context.Context) error {
	db, err := sql.Open("pgx", a.connectionString)
	if err != nil {
		return fmt.Errorf("relational %q: open: %w", a.clientID, err)
	}
	a.mu.Lock()
	if a.db != nil {
		_ = a.db.Close()
	}
	a.db = db
	a.mu.Unlock()

	return a.verify(ctx)
}

func (a *Adapter) verify(ctx context.Context) error {
	attempt := 0
	for {
		err := a.pingOnce(ctx)
		if err == nil {
			a.setState(registry.StateConnected)
			return nil
		}

		a.setState(registry.StateDisconnected)
		a.logger.Error("relational connection verify failed", "client_id", a.clientID, "error", err)

		attempt++
		if a.retryLimit != -1 && attempt >= a.retryLimit {
			a.setState(registry.StateFailed)
			return fmt.Errorf("relational %q: %w: %v", a.clientID, errs.ErrConnectFailed, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.retryInterval):
		}
	}
}

func (a *Adapter) pingOnce(ctx context.Context) error {
	a.mu.RLock()
	db := a.db
	a.mu.RUnlock()
	if db == nil {
		return fmt.Errorf("not connected")
	}
	_, err := db.ExecContext(ctx, "SELECT 1")
	return err
}

// PeriodicVerify runs SELECT 1 every interval, logging failures but never
// exiting on its own until ctx is cancelled.
func (a *Adapter) PeriodicVerify(ctx context.Context, interval time.Duration) {
	verifyCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelVerify = cancel
	a.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-verifyCtx.Done():
			return
		case <-ticker.C:
			if err := a.pingOnce(verifyCtx); err != nil {
				a.logger.Error("periodic verify failed", "client_id", a.clientID, "error", err)
				a.setState(registry.StateDisconnected)
			} else {
				a.setState(registry.StateConnected)
			}
		}
	}
}

// ExecuteQuery runs sql and streams rows to sink in server order, one at a
// time; the adapter drives its own cursor via rows.Next, so callers never
// hold the full result set in memory.
func (a *Adapter) ExecuteQuery(ctx context.Context, query string, sink func(Row) error) error {
	a.mu.RLock()
	db := a.db
	a.mu.RUnlock()
	if db == nil {
		return fmt.Errorf("relational %q: %w: not connected", a.clientID, errs.ErrQueryFailed)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("relational %q: %w: %v", a.clientID, errs.ErrQueryFailed, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("relational %q: %w: %v", a.clientID, errs.ErrQueryFailed, err)
	}

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("relational %q: %w: %v", a.clientID, errs.ErrQueryFailed, err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		if err := sink(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// InstallTrigger idempotently (re)creates the notification function and
// the row trigger that calls it: CREATE OR REPLACE FUNCTION, then DROP
// TRIGGER IF EXISTS followed by CREATE TRIGGER.
//
// trigger_name and table are interpolated into DDL because Postgres does
// not accept identifiers as bind parameters; callers must only pass
// trigger_name/table/condition values sourced from the trusted chain
// config document, never from message content.
func (a *Adapter) InstallTrigger(ctx context.Context, cfg TriggerConfig) error {
	if !identifierPattern.MatchString(cfg.TriggerName) || !identifierPattern.MatchString(cfg.Table) {
		return fmt.Errorf("relational %q: %w: invalid trigger or table identifier", a.clientID, errs.ErrConfigInvalid)
	}

	a.mu.RLock()
	db := a.db
	a.mu.RUnlock()
	if db == nil {
		return fmt.Errorf("relational %q: not connected", a.clientID)
	}

	functionSQL := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION notify_%s()
RETURNS TRIGGER AS $$
BEGIN
	IF (%s) THEN
		PERFORM pg_notify('%s', row_to_json(NEW)::text);
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;`, cfg.TriggerName, cfg.ConditionSQL, cfg.TriggerName)

	triggerSQL := fmt.Sprintf(`
DROP TRIGGER IF EXISTS %s_trigger ON %s;
CREATE TRIGGER %s_trigger
AFTER INSERT OR UPDATE ON %s
FOR EACH ROW EXECUTE FUNCTION notify_%s();`, cfg.TriggerName, cfg.Table, cfg.TriggerName, cfg.Table, cfg.TriggerName)

	if _, err := db.ExecContext(ctx, functionSQL); err != nil {
		return fmt.Errorf("relational %q: creating trigger function %q: %w", a.clientID, cfg.TriggerName, err)
	}
	if _, err := db.ExecContext(ctx, triggerSQL); err != nil {
		return fmt.Errorf("relational %q: creating trigger %q: %w", a.clientID, cfg.TriggerName, err)
	}
	a.logger.Info("trigger installed", "client_id", a.clientID, "trigger_name", cfg.TriggerName, "table", cfg.Table)
	return nil
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Listen opens a dedicated notification connection and forwards each
// notification's raw payload string to sink indefinitely, closing and returning ErrListenFailed on
// transport failure so the orchestrator's supervisor can retry.
func (a *Adapter) Listen(ctx context.Context, channel string, sink func(payload string) error) error {
	conn, err := pgx.Connect(ctx, a.connectionString)
	if err != nil {
		return fmt.Errorf("relational %q: %w: %v", a.clientID, errs.ErrListenFailed, err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		return fmt.Errorf("relational %q: %w: listen %s: %v", a.clientID, errs.ErrListenFailed, channel, err)
	}
	a.logger.Info("listening for notifications", "client_id", a.clientID, "channel", channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("relational %q: %w: %v", a.clientID, errs.ErrListenFailed, err)
		}
		if err := sink(notification.Payload); err != nil {
			a.logger.Error("notification handler failed", "client_id", a.clientID, "channel", channel, "error", err)
		}
	}
}

// BulkInsert splits rows into batches of batchSize (default 100 if <= 0),
// binds named parameters from each row mapping, and commits one
// transaction per batch. An earlier committed batch remains committed even
// if a later batch fails.
func (a *Adapter) BulkInsert(ctx context.Context, statement string, rows []map[string]any, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	a.mu.RLock()
	db := a.db
	a.mu.RUnlock()
	if db == nil {
		return fmt.Errorf("relational %q: not connected", a.clientID)
	}

	query, paramNames := rewriteNamedParams(statement)

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		if err := a.insertBatch(ctx, db, query, paramNames, batch); err != nil {
			return fmt.Errorf("relational %q: %w: %v", a.clientID, errs.ErrInsertFailed, err)
		}
		a.logger.Info("bulk insert batch committed", "client_id", a.clientID, "rows", len(batch))
	}
	return nil
}

func (a *Adapter) insertBatch(ctx context.Context, db *sql.DB, query string, paramNames []string, batch []map[string]any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	for _, record := range batch {
		args := make([]any, len(paramNames))
		for i, name := range paramNames {
			args[i] = record[name]
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// rewriteNamedParams rewrites a :name-style statement into pgx's
// positional $n placeholders, since database/sql/pgx has no named-bind
// support, and returns the parameter names in the order they appear.
func rewriteNamedParams(statement string) (string, []string) {
	re := regexp.MustCompile(`:([a-zA-Z_][a-zA-Z0-9_]*)`)
	var names []string
	n := 0
	rewritten := re.ReplaceAllStringFunc(statement, func(match string) string {
		n++
		names = append(names, match[1:])
		return fmt.Sprintf("$%d", n)
	})
	return rewritten, names
}
