package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/vault/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteStore persists the ledger and protocol checkpoints in one SQLite file.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens a SQLite store and applies embedded migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer at a time; SQLite serializes anyway and this avoids SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Write ...
func (s *SQLiteStore) Write(ctx context.Context, tx ledger.FinalizedTransaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	id := tx.ID()
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", id, err)
	}

	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write %s: %w", id, err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if _, err := sqlTx.ExecContext(
		ctx,
		`INSERT INTO transactions (tx_id, body, recorded_at) VALUES (?, ?, ?)`,
		id,
		body,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("insert transaction %s: %w", id, err)
	}

	for _, input := range tx.Proposal.Inputs {
		if _, err := sqlTx.ExecContext(
			ctx,
			`UPDATE car_states SET consumed = 1 WHERE tx_id = ? AND output_index = ?`,
			input.TxID,
			input.Index,
		); err != nil {
			return fmt.Errorf("consume %s: %w", input, err)
		}
	}

	for index, output := range tx.Proposal.Outputs {
		if err := insertState(ctx, sqlTx, ledger.StateRef{TxID: id, Index: index}, output); err != nil {
			return err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit write %s: %w", id, err)
	}
	return nil
}

func insertState(ctx context.Context, sqlTx *sql.Tx, ref ledger.StateRef, output ledger.TransactionState) error {
	switch output.Kind {
	case ledger.KindCar:
		car := output.Car
		if car == nil {
			return fmt.Errorf("output %s: car state is missing", ref)
		}
		state, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("encode output %s: %w", ref, err)
		}
		if _, err := sqlTx.ExecContext(
			ctx,
			`INSERT INTO car_states (
			   tx_id,
			   output_index,
			   linear_id,
			   external_id,
			   owning_bank,
			   holding_dealer,
			   manufacturer,
			   vin,
			   license_plate_number,
			   make,
			   model,
			   dealership_location,
			   state
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ref.TxID,
			ref.Index,
			car.LinearID.ID.String(),
			car.LinearID.ExternalID,
			car.OwningBank.Name,
			car.HoldingDealer.Name,
			car.Manufacturer.Name,
			car.VIN,
			car.LicensePlateNumber,
			car.Make,
			car.Model,
			car.DealershipLocation,
			state,
		); err != nil {
			return fmt.Errorf("insert output %s: %w", ref, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStateKind, output.Kind)
	}
}

// Query ...
func (s *SQLiteStore) Query(ctx context.Context, criteria Criteria) ([]ledger.StateAndRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	var (
		clauses []string
		args    []interface{}
	)
	if criteria.VIN != "" {
		clauses = append(clauses, "vin = ?")
		args = append(args, criteria.VIN)
	}
	if criteria.LinearID.Defined() {
		clauses = append(clauses, "linear_id = ?")
		args = append(args, criteria.LinearID.ID.String())
	}
	switch criteria.Status {
	case StatusUnconsumed:
		clauses = append(clauses, "consumed = 0")
	case StatusConsumed:
		clauses = append(clauses, "consumed = 1")
	}

	query := `SELECT tx_id, output_index, state, consumed FROM car_states`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query car states: %w", err)
	}
	defer rows.Close()

	var result []ledger.StateAndRef
	for rows.Next() {
		var (
			state    ledger.StateAndRef
			raw      []byte
			consumed int
		)
		if err := rows.Scan(&state.Ref.TxID, &state.Ref.Index, &raw, &consumed); err != nil {
			return nil, fmt.Errorf("scan car state: %w", err)
		}
		if err := json.Unmarshal(raw, &state.State); err != nil {
			return nil, fmt.Errorf("decode car state %s: %w", state.Ref, err)
		}
		state.Consumed = consumed != 0
		result = append(result, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate car states: %w", err)
	}
	return result, nil
}

// Transaction ...
func (s *SQLiteStore) Transaction(ctx context.Context, txID string) (ledger.FinalizedTransaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.FinalizedTransaction{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return ledger.FinalizedTransaction{}, false, fmt.Errorf("storage is not configured")
	}

	var body []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT body FROM transactions WHERE tx_id = ?`, txID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.FinalizedTransaction{}, false, nil
	}
	if err != nil {
		return ledger.FinalizedTransaction{}, false, fmt.Errorf("get transaction %s: %w", txID, err)
	}

	var tx ledger.FinalizedTransaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return ledger.FinalizedTransaction{}, false, fmt.Errorf("decode transaction %s: %w", txID, err)
	}
	return tx, true, nil
}

// PutCheckpoint ...
func (s *SQLiteStore) PutCheckpoint(ctx context.Context, instanceID string, terminal bool, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	flag := 0
	if terminal {
		flag = 1
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO checkpoints (instance_id, terminal, record, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (instance_id) DO UPDATE SET
		   terminal = excluded.terminal,
		   record = excluded.record,
		   updated_at = excluded.updated_at`,
		instanceID,
		flag,
		record,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("put checkpoint %s: %w", instanceID, err)
	}
	return nil
}

// Checkpoint ...
func (s *SQLiteStore) Checkpoint(ctx context.Context, instanceID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, false, fmt.Errorf("storage is not configured")
	}

	var record []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT record FROM checkpoints WHERE instance_id = ?`, instanceID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get checkpoint %s: %w", instanceID, err)
	}
	return record, true, nil
}

// PendingCheckpoints ...
func (s *SQLiteStore) PendingCheckpoints(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT record FROM checkpoints WHERE terminal = 0 ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var records [][]byte
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return records, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

const migrationTable = "schema_migrations"

// applyMigrations executes every embedded .sql file at most once, in name order.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`, migrationTable)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var applied int
		if err := sqlDB.QueryRow(
			fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE name = ?", migrationTable),
			file,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := upMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT INTO %s (name, applied_at) VALUES (?, ?)", migrationTable),
			file,
			time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}

	return nil
}

func upMigration(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, up)
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, down)
	if downIdx == -1 {
		return content[upIdx+len(up):]
	}
	return content[upIdx+len(up) : downIdx]
}
