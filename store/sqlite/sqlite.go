/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements credit.TxStore and credit.AuditLog. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  lots:              Donated credit lots with expiration and balance
  waitlist_entries:  Beneficiary allocation requests and their lifecycle
  transactions:      Immutable log of kWh moved from lots to beneficiaries
  accounts:          Per-beneficiary running totals
  distribution_runs: Outcome records of allocation runs
  audit_log:         Best-effort, append-only operator trail

DECIMAL STORAGE:
  kWh amounts are stored as TEXT in exact decimal form. SQLite would
  coerce TEXT to float under SUM(), so aggregates over amounts are
  computed in Go with shopspring/decimal instead of in SQL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety: WithTx holds the write lock for
  the whole transaction, so a distribution run's multi-table unit is
  serialized against every other writer. Reads outside a transaction
  take the read lock. With PostgreSQL, database-level concurrency
  control handles this instead.

CRASH RECOVERY:
  New() reverts any IN_DISTRIBUTION entries left by a crashed process
  back to WAITING. Those marks belong to no live run: a run either
  committed its FULFILLED/WAITING transitions or it never committed
  anything.

INVARIANTS ENFORCED HERE:
  - idx_entries_one_waiting: at most one WAITING entry per beneficiary
  - transactions: no UPDATE or DELETE statements exist; corrections are
    REVERSED rows, never edits

SEE ALSO:
  - credit/store.go: Interface definitions
  - dispatch/dispatch.go: the one multi-table writer
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/wattshare/credit-engine/credit"
)

// Store implements credit.TxStore and credit.AuditLog using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, q: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// Recover marks left by a crashed process before serving anyone.
	if _, err := store.q.ResetInFlight(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reset in-flight entries: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Credit lots (donated energy)
	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		donor_id TEXT NOT NULL,
		initial_kwh TEXT NOT NULL,
		remaining_kwh TEXT NOT NULL,
		expires_at TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lots_status
		ON lots(status);
	CREATE INDEX IF NOT EXISTS idx_lots_donor
		ON lots(donor_id);

	-- Hot path: eligibility scan in consumption order
	CREATE INDEX IF NOT EXISTS idx_lots_status_expires
		ON lots(status, expires_at);

	-- Waitlist entries
	CREATE TABLE IF NOT EXISTS waitlist_entries (
		id TEXT PRIMARY KEY,
		beneficiary_id TEXT NOT NULL,
		requested_kwh TEXT NOT NULL,
		household_income TEXT NOT NULL,
		household_size INTEGER NOT NULL,
		entered_at TEXT NOT NULL,
		priority_score REAL NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_status
		ON waitlist_entries(status, entered_at);

	-- CRITICAL: a beneficiary can hold at most one open request
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_one_waiting
		ON waitlist_entries(beneficiary_id) WHERE status = 'WAITING';

	-- Allocation transactions (append-only)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		beneficiary_id TEXT NOT NULL,
		lot_id TEXT NOT NULL,
		kwh TEXT NOT NULL,
		outcome TEXT NOT NULL,
		run_id TEXT NOT NULL,
		at TEXT NOT NULL,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_beneficiary
		ON transactions(beneficiary_id, at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_lot
		ON transactions(lot_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_run
		ON transactions(run_id);

	-- Beneficiary accounts (running totals)
	CREATE TABLE IF NOT EXISTS accounts (
		beneficiary_id TEXT PRIMARY KEY,
		balance_kwh TEXT NOT NULL,
		total_received_kwh TEXT NOT NULL,
		monthly_baseline_kwh TEXT NOT NULL,
		total_transactions INTEGER NOT NULL DEFAULT 0,
		last_fulfilled_at TEXT
	);

	-- Distribution runs
	CREATE TABLE IF NOT EXISTS distribution_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		total_kwh TEXT NOT NULL,
		beneficiaries_fulfilled INTEGER NOT NULL DEFAULT 0,
		lots_consumed INTEGER NOT NULL DEFAULT 0,
		transaction_count INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started
		ON distribution_runs(started_at DESC);

	-- Audit log (append-only, best-effort)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_at
		ON audit_log(at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (credit.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. The write lock is held
// for the duration, so the unit is serialized against every other writer.
func (s *Store) WithTx(ctx context.Context, fn func(store credit.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// LOCKED WRAPPERS - Store methods outside a transaction
// =============================================================================

func (s *Store) InsertLot(ctx context.Context, lot credit.CreditLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.InsertLot(ctx, lot)
}

func (s *Store) GetLot(ctx context.Context, id credit.LotID) (credit.CreditLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetLot(ctx, id)
}

func (s *Store) UpdateLot(ctx context.Context, lot credit.CreditLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateLot(ctx, lot)
}

func (s *Store) ListEligibleLots(ctx context.Context, asOf time.Time) ([]credit.CreditLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListEligibleLots(ctx, asOf)
}

func (s *Store) MarkExpired(ctx context.Context, asOf time.Time) ([]credit.LotID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.MarkExpired(ctx, asOf)
}

func (s *Store) ListLots(ctx context.Context, f credit.LotFilter) ([]credit.CreditLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListLots(ctx, f)
}

func (s *Store) InsertEntry(ctx context.Context, e credit.WaitlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.InsertEntry(ctx, e)
}

func (s *Store) GetEntry(ctx context.Context, id credit.EntryID) (credit.WaitlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetEntry(ctx, id)
}

func (s *Store) UpdateEntry(ctx context.Context, e credit.WaitlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateEntry(ctx, e)
}

func (s *Store) ListEntriesByStatus(ctx context.Context, status credit.EntryStatus) ([]credit.WaitlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListEntriesByStatus(ctx, status)
}

func (s *Store) WaitingEntryFor(ctx context.Context, b credit.BeneficiaryID) (credit.EntryID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.WaitingEntryFor(ctx, b)
}

func (s *Store) ResetInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.ResetInFlight(ctx)
}

func (s *Store) AppendTransaction(ctx context.Context, tx credit.AllocationTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.AppendTransaction(ctx, tx)
}

func (s *Store) ListTransactions(ctx context.Context, f credit.TxFilter) ([]credit.AllocationTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListTransactions(ctx, f)
}

func (s *Store) SumCompletedByLot(ctx context.Context, id credit.LotID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.SumCompletedByLot(ctx, id)
}

func (s *Store) DistributedTotals(ctx context.Context) (decimal.Decimal, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.DistributedTotals(ctx)
}

func (s *Store) UpsertAccount(ctx context.Context, a credit.BeneficiaryAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpsertAccount(ctx, a)
}

func (s *Store) GetAccount(ctx context.Context, b credit.BeneficiaryID) (credit.BeneficiaryAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetAccount(ctx, b)
}

func (s *Store) SaveRun(ctx context.Context, r credit.DistributionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SaveRun(ctx, r)
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]credit.DistributionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListRuns(ctx, limit)
}

// =============================================================================
// QUERY LAYER - shared between *sql.DB and *sql.Tx
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements credit.Store against either the database or a
// transaction. It never locks; the Store wrappers and WithTx do.
type queries struct {
	db dbtx
}

// -----------------------------------------------------------------------------
// Lots
// -----------------------------------------------------------------------------

const lotColumns = "id, donor_id, initial_kwh, remaining_kwh, expires_at, status, created_at"

func (q *queries) InsertLot(ctx context.Context, lot credit.CreditLot) error {
	query := `
		INSERT INTO lots (id, donor_id, initial_kwh, remaining_kwh, expires_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.db.ExecContext(ctx, query,
		lot.ID,
		lot.DonorID,
		lot.InitialKWH.String(),
		lot.RemainingKWH.String(),
		nullTime(lot.ExpiresAt),
		lot.Status,
		lot.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lot: %w", err)
	}
	return nil
}

func (q *queries) GetLot(ctx context.Context, id credit.LotID) (credit.CreditLot, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+lotColumns+" FROM lots WHERE id = ?", id)

	lot, err := scanLot(row)
	if err == sql.ErrNoRows {
		return credit.CreditLot{}, &credit.NotFoundError{Kind: "lot", ID: string(id)}
	}
	return lot, err
}

func (q *queries) UpdateLot(ctx context.Context, lot credit.CreditLot) error {
	// Initial kWh, donor, and creation time are immutable.
	res, err := q.db.ExecContext(ctx,
		"UPDATE lots SET remaining_kwh = ?, status = ? WHERE id = ?",
		lot.RemainingKWH.String(), lot.Status, lot.ID)
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &credit.NotFoundError{Kind: "lot", ID: string(lot.ID)}
	}
	return nil
}

func (q *queries) ListEligibleLots(ctx context.Context, asOf time.Time) ([]credit.CreditLot, error) {
	// Consumption order: soonest expiration first, unexpiring lots last,
	// ties broken by id for determinism.
	query := `
		SELECT ` + lotColumns + `
		FROM lots
		WHERE status IN ('AVAILABLE', 'PARTIALLY_USED')
		  AND (expires_at IS NULL OR expires_at >= ?)
		ORDER BY expires_at IS NULL, expires_at ASC, id ASC
	`

	return q.queryLots(ctx, query, asOf.UTC().Format(time.RFC3339))
}

func (q *queries) MarkExpired(ctx context.Context, asOf time.Time) ([]credit.LotID, error) {
	cutoff := asOf.UTC().Format(time.RFC3339)

	rows, err := q.db.QueryContext(ctx,
		`SELECT id FROM lots
		 WHERE expires_at IS NOT NULL AND expires_at < ?
		   AND status NOT IN ('EXHAUSTED', 'EXPIRED')
		 ORDER BY id ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []credit.LotID
	for rows.Next() {
		var id credit.LotID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = q.db.ExecContext(ctx,
		`UPDATE lots SET status = 'EXPIRED'
		 WHERE expires_at IS NOT NULL AND expires_at < ?
		   AND status NOT IN ('EXHAUSTED', 'EXPIRED')`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to mark expired lots: %w", err)
	}
	return ids, nil
}

func (q *queries) ListLots(ctx context.Context, f credit.LotFilter) ([]credit.CreditLot, error) {
	query := "SELECT " + lotColumns + " FROM lots"
	var (
		where []string
		args  []any
	)
	if f.DonorID != nil {
		where = append(where, "donor_id = ?")
		args = append(args, *f.DonorID)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return q.queryLots(ctx, query, args...)
}

func (q *queries) queryLots(ctx context.Context, query string, args ...any) ([]credit.CreditLot, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []credit.CreditLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLot(row scanner) (credit.CreditLot, error) {
	var (
		lot       credit.CreditLot
		initial   string
		remaining string
		expiresAt sql.NullString
		createdAt string
	)

	err := row.Scan(&lot.ID, &lot.DonorID, &initial, &remaining, &expiresAt, &lot.Status, &createdAt)
	if err != nil {
		return lot, err
	}

	lot.InitialKWH = credit.MustParseKWH(initial)
	lot.RemainingKWH = credit.MustParseKWH(remaining)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339, expiresAt.String)
		lot.ExpiresAt = &t
	}
	lot.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return lot, nil
}

// -----------------------------------------------------------------------------
// Waitlist entries
// -----------------------------------------------------------------------------

const entryColumns = "id, beneficiary_id, requested_kwh, household_income, household_size, entered_at, priority_score, status, created_at"

func (q *queries) InsertEntry(ctx context.Context, e credit.WaitlistEntry) error {
	query := `
		INSERT INTO waitlist_entries
		(id, beneficiary_id, requested_kwh, household_income, household_size,
		 entered_at, priority_score, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.db.ExecContext(ctx, query,
		e.ID,
		e.BeneficiaryID,
		e.RequestedKWH.String(),
		e.HouseholdIncome.String(),
		e.HouseholdSize,
		e.EnteredAt.UTC().Format(time.RFC3339),
		e.PriorityScore,
		e.Status,
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &credit.DuplicateWaitingError{BeneficiaryID: e.BeneficiaryID}
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (q *queries) GetEntry(ctx context.Context, id credit.EntryID) (credit.WaitlistEntry, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM waitlist_entries WHERE id = ?", id)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return credit.WaitlistEntry{}, &credit.NotFoundError{Kind: "entry", ID: string(id)}
	}
	return e, err
}

func (q *queries) UpdateEntry(ctx context.Context, e credit.WaitlistEntry) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE waitlist_entries
		 SET requested_kwh = ?, household_income = ?, household_size = ?,
		     entered_at = ?, priority_score = ?, status = ?
		 WHERE id = ?`,
		e.RequestedKWH.String(),
		e.HouseholdIncome.String(),
		e.HouseholdSize,
		e.EnteredAt.UTC().Format(time.RFC3339),
		e.PriorityScore,
		e.Status,
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &credit.NotFoundError{Kind: "entry", ID: string(e.ID)}
	}
	return nil
}

func (q *queries) ListEntriesByStatus(ctx context.Context, status credit.EntryStatus) ([]credit.WaitlistEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM waitlist_entries
		WHERE status = ?
		ORDER BY entered_at ASC, id ASC
	`

	rows, err := q.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []credit.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q *queries) WaitingEntryFor(ctx context.Context, b credit.BeneficiaryID) (credit.EntryID, error) {
	var id credit.EntryID
	err := q.db.QueryRowContext(ctx,
		"SELECT id FROM waitlist_entries WHERE beneficiary_id = ? AND status = 'WAITING'",
		b,
	).Scan(&id)

	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (q *queries) ResetInFlight(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE waitlist_entries SET status = 'WAITING' WHERE status = 'IN_DISTRIBUTION'")
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanEntry(row scanner) (credit.WaitlistEntry, error) {
	var (
		e         credit.WaitlistEntry
		requested string
		income    string
		enteredAt string
		createdAt string
	)

	err := row.Scan(&e.ID, &e.BeneficiaryID, &requested, &income, &e.HouseholdSize,
		&enteredAt, &e.PriorityScore, &e.Status, &createdAt)
	if err != nil {
		return e, err
	}

	e.RequestedKWH = credit.MustParseKWH(requested)
	e.HouseholdIncome = credit.MustParseKWH(income)
	e.EnteredAt, _ = time.Parse(time.RFC3339, enteredAt)
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return e, nil
}

// -----------------------------------------------------------------------------
// Allocation transactions (append-only)
// -----------------------------------------------------------------------------

const txColumns = "id, beneficiary_id, lot_id, kwh, outcome, run_id, at, note"

func (q *queries) AppendTransaction(ctx context.Context, tx credit.AllocationTransaction) error {
	query := `
		INSERT INTO transactions (id, beneficiary_id, lot_id, kwh, outcome, run_id, at, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.db.ExecContext(ctx, query,
		tx.ID,
		tx.BeneficiaryID,
		tx.LotID,
		tx.KWH.String(),
		tx.Outcome,
		tx.RunID,
		tx.At.UTC().Format(time.RFC3339),
		tx.Note,
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (q *queries) ListTransactions(ctx context.Context, f credit.TxFilter) ([]credit.AllocationTransaction, error) {
	query := "SELECT " + txColumns + " FROM transactions"
	var (
		where []string
		args  []any
	)
	if f.BeneficiaryID != nil {
		where = append(where, "beneficiary_id = ?")
		args = append(args, *f.BeneficiaryID)
	}
	if f.DonorID != nil {
		where = append(where, "lot_id IN (SELECT id FROM lots WHERE donor_id = ?)")
		args = append(args, *f.DonorID)
	}
	if f.LotID != nil {
		where = append(where, "lot_id = ?")
		args = append(args, *f.LotID)
	}
	if f.RunID != nil {
		where = append(where, "run_id = ?")
		args = append(args, *f.RunID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at DESC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []credit.AllocationTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SumCompletedByLot totals COMPLETED kWh drawn from one lot. Summed in Go:
// amounts are TEXT decimals and SQL SUM would go through float.
func (q *queries) SumCompletedByLot(ctx context.Context, id credit.LotID) (decimal.Decimal, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT kwh FROM transactions WHERE lot_id = ? AND outcome = 'COMPLETED'", id)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var kwh string
		if err := rows.Scan(&kwh); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(credit.MustParseKWH(kwh))
	}
	return total, rows.Err()
}

func (q *queries) DistributedTotals(ctx context.Context) (decimal.Decimal, int, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT kwh FROM transactions WHERE outcome = 'COMPLETED'")
	if err != nil {
		return decimal.Zero, 0, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var kwh string
		if err := rows.Scan(&kwh); err != nil {
			return decimal.Zero, 0, err
		}
		total = total.Add(credit.MustParseKWH(kwh))
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, 0, err
	}

	var served int
	err = q.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT beneficiary_id) FROM transactions WHERE outcome = 'COMPLETED'",
	).Scan(&served)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return total, served, nil
}

func scanTransaction(row scanner) (credit.AllocationTransaction, error) {
	var (
		tx   credit.AllocationTransaction
		kwh  string
		at   string
		note sql.NullString
	)

	err := row.Scan(&tx.ID, &tx.BeneficiaryID, &tx.LotID, &kwh, &tx.Outcome, &tx.RunID, &at, &note)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.KWH = credit.MustParseKWH(kwh)
	tx.At, _ = time.Parse(time.RFC3339, at)
	tx.Note = note.String
	return tx, nil
}

// -----------------------------------------------------------------------------
// Beneficiary accounts
// -----------------------------------------------------------------------------

func (q *queries) UpsertAccount(ctx context.Context, a credit.BeneficiaryAccount) error {
	query := `
		INSERT INTO accounts
		(beneficiary_id, balance_kwh, total_received_kwh, monthly_baseline_kwh, total_transactions, last_fulfilled_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(beneficiary_id) DO UPDATE SET
			balance_kwh = excluded.balance_kwh,
			total_received_kwh = excluded.total_received_kwh,
			monthly_baseline_kwh = excluded.monthly_baseline_kwh,
			total_transactions = excluded.total_transactions,
			last_fulfilled_at = excluded.last_fulfilled_at
	`

	_, err := q.db.ExecContext(ctx, query,
		a.BeneficiaryID,
		a.BalanceKWH.String(),
		a.TotalReceivedKWH.String(),
		a.MonthlyBaselineKWH.String(),
		a.TotalTransactions,
		nullTime(a.LastFulfilledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

func (q *queries) GetAccount(ctx context.Context, b credit.BeneficiaryID) (credit.BeneficiaryAccount, error) {
	var (
		a             credit.BeneficiaryAccount
		balance       string
		received      string
		baseline      string
		lastFulfilled sql.NullString
	)

	err := q.db.QueryRowContext(ctx,
		`SELECT beneficiary_id, balance_kwh, total_received_kwh, monthly_baseline_kwh,
		        total_transactions, last_fulfilled_at
		 FROM accounts WHERE beneficiary_id = ?`, b,
	).Scan(&a.BeneficiaryID, &balance, &received, &baseline, &a.TotalTransactions, &lastFulfilled)

	if err == sql.ErrNoRows {
		return credit.BeneficiaryAccount{}, &credit.NotFoundError{Kind: "account", ID: string(b)}
	}
	if err != nil {
		return credit.BeneficiaryAccount{}, err
	}

	a.BalanceKWH = credit.MustParseKWH(balance)
	a.TotalReceivedKWH = credit.MustParseKWH(received)
	a.MonthlyBaselineKWH = credit.MustParseKWH(baseline)
	if lastFulfilled.Valid {
		t, _ := time.Parse(time.RFC3339, lastFulfilled.String)
		a.LastFulfilledAt = &t
	}
	return a, nil
}

// -----------------------------------------------------------------------------
// Distribution runs
// -----------------------------------------------------------------------------

func (q *queries) SaveRun(ctx context.Context, r credit.DistributionRun) error {
	query := `
		INSERT INTO distribution_runs
		(id, status, total_kwh, beneficiaries_fulfilled, lots_consumed, transaction_count, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_kwh = excluded.total_kwh,
			beneficiaries_fulfilled = excluded.beneficiaries_fulfilled,
			lots_consumed = excluded.lots_consumed,
			transaction_count = excluded.transaction_count,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err := q.db.ExecContext(ctx, query,
		r.ID,
		r.Status,
		r.TotalKWHDistributed.String(),
		r.BeneficiariesFulfilled,
		r.LotsConsumed,
		r.TransactionCount,
		r.Error,
		r.StartedAt.UTC().Format(time.RFC3339),
		nullTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (q *queries) ListRuns(ctx context.Context, limit int) ([]credit.DistributionRun, error) {
	query := `
		SELECT id, status, total_kwh, beneficiaries_fulfilled, lots_consumed,
		       transaction_count, error, started_at, completed_at
		FROM distribution_runs
		ORDER BY started_at DESC, id ASC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []credit.DistributionRun
	for rows.Next() {
		var (
			r           credit.DistributionRun
			total       string
			errMsg      sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Status, &total, &r.BeneficiariesFulfilled,
			&r.LotsConsumed, &r.TransactionCount, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, err
		}

		r.TotalKWHDistributed = credit.MustParseKWH(total)
		r.Error = errMsg.String
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// AUDIT LOG (credit.AuditLog interface)
// =============================================================================

// AppendAudit records an audit entry. Not part of any transaction: audit
// writes are best-effort and must never abort the operation they describe.
func (s *Store) AppendAudit(ctx context.Context, e credit.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_log (id, at, action, actor_id, details) VALUES (?, ?, ?, ?, ?)",
		e.ID, e.At.UTC().Format(time.RFC3339), e.Action, e.ActorID, e.Details)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]credit.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, at, action, actor_id, details FROM audit_log ORDER BY at DESC, id ASC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []credit.AuditEntry
	for rows.Next() {
		var (
			e       credit.AuditEntry
			at      string
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Action, &e.ActorID, &details); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339, at)
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"transactions", "distribution_runs", "waitlist_entries", "accounts", "lots", "audit_log"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
