package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/rentdesk/internal/domain"
	"github.com/ashureev/rentdesk/internal/shared"
	"github.com/containerd/errdefs"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	rentalMu sync.Mutex // Serializes rental writes to avoid SQLITE_BUSY between supersede and expire.
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		wallet TEXT,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payments (
		payment_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet TEXT NOT NULL,
		reference TEXT NOT NULL,
		receiver TEXT NOT NULL,
		amount REAL NOT NULL,
		currency TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id, created_at);

	CREATE TABLE IF NOT EXISTS rentals (
		rental_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet TEXT NOT NULL,
		token TEXT NOT NULL,
		token_subject TEXT,
		duration_ms INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		ends_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_rentals_user ON rentals(user_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_rentals_active ON rentals(ends_at) WHERE status = 'active';
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, wallet, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var wallet sql.NullString
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &wallet, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.Wallet = wallet.String
	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, wallet, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		wallet = COALESCE(excluded.wallet, users.wallet),
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	var wallet interface{}
	if user.Wallet != "" {
		wallet = user.Wallet
	}

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, wallet,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// UpdateWallet records the wallet address a user last submitted.
func (s *SQLiteStore) UpdateWallet(ctx context.Context, userID, wallet string) error {
	query := `UPDATE users SET wallet = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, wallet, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: user %s", errdefs.ErrNotFound, userID)
	}
	return nil
}

// CreatePayment stores a payment request issued by the rental service.
func (s *SQLiteStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	query := `
	INSERT INTO payments (payment_id, user_id, wallet, reference, receiver, amount, currency, message, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.UserID, p.Wallet,
		p.Request.Reference, p.Request.To, p.Request.Amount, p.Request.Currency, p.Request.Message,
		p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// ListPayments returns a user's most recent payments, newest first.
func (s *SQLiteStore) ListPayments(ctx context.Context, userID string, limit int) ([]*domain.Payment, error) {
	query := `
		SELECT payment_id, user_id, wallet, reference, receiver, amount, currency, message, created_at
		FROM payments WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close payment rows", "error", closeErr)
		}
	}()

	var payments []*domain.Payment
	for rows.Next() {
		var p domain.Payment
		var createdAt int64
		if err := rows.Scan(
			&p.ID, &p.UserID, &p.Wallet,
			&p.Request.Reference, &p.Request.To, &p.Request.Amount, &p.Request.Currency, &p.Request.Message,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		p.CreatedAt = time.UnixMilli(createdAt)
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

// CreateRental stores a new rental and supersedes the user's previous active one.
func (s *SQLiteStore) CreateRental(ctx context.Context, r *domain.Rental) error {
	s.rentalMu.Lock()
	defer s.rentalMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rental tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back rental tx", "error", rbErr)
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE rentals SET status = ?, ended_at = ? WHERE user_id = ? AND status = ?`,
		string(domain.RentalSuperseded), r.StartedAt.UnixMilli(), r.UserID, string(domain.RentalActive),
	); err != nil {
		return fmt.Errorf("supersede rentals: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rentals (rental_id, user_id, wallet, token, token_subject, duration_ms, started_at, ends_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Wallet, r.Token, nullString(r.TokenSubject),
		r.Duration.Milliseconds(), r.StartedAt.UnixMilli(), r.EndsAt.UnixMilli(), string(r.Status),
	); err != nil {
		return fmt.Errorf("insert rental: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rental: %w", err)
	}
	return nil
}

const rentalColumns = `rental_id, user_id, wallet, token, token_subject, duration_ms, started_at, ends_at, status, ended_at`

// GetActiveRental returns the user's active rental, or nil, nil.
func (s *SQLiteStore) GetActiveRental(ctx context.Context, userID string) (*domain.Rental, error) {
	query := `SELECT ` + rentalColumns + ` FROM rentals
		WHERE user_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`

	r, err := scanRental(s.db.QueryRowContext(ctx, query, userID, string(domain.RentalActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan active rental: %w", err)
	}
	return r, nil
}

// ListRentals returns a user's most recent rentals, newest first.
func (s *SQLiteStore) ListRentals(ctx context.Context, userID string, limit int) ([]*domain.Rental, error) {
	query := `SELECT ` + rentalColumns + ` FROM rentals
		WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`
	return s.queryRentals(ctx, query, userID, limit)
}

// GetExpiredRentals returns active rentals whose end instant is before now.
func (s *SQLiteStore) GetExpiredRentals(ctx context.Context, now time.Time) ([]*domain.Rental, error) {
	query := `SELECT ` + rentalColumns + ` FROM rentals
		WHERE status = ? AND ends_at <= ?`
	return s.queryRentals(ctx, query, string(domain.RentalActive), now.UnixMilli())
}

// UpdateRentalStatus moves an active rental to status at endedAt.
// SQLite conflicts are retried with exponential backoff.
func (s *SQLiteStore) UpdateRentalStatus(ctx context.Context, rentalID string, status domain.RentalStatus, endedAt time.Time) error {
	return shared.RetryOnConflict(ctx, "update rental "+rentalID, 3, 50*time.Millisecond, func() error {
		return s.updateRentalStatusOnce(ctx, rentalID, status, endedAt)
	})
}

func (s *SQLiteStore) updateRentalStatusOnce(ctx context.Context, rentalID string, status domain.RentalStatus, endedAt time.Time) error {
	s.rentalMu.Lock()
	defer s.rentalMu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE rentals SET status = ?, ended_at = ? WHERE rental_id = ? AND status = ?`,
		string(status), endedAt.UnixMilli(), rentalID, string(domain.RentalActive),
	)
	if err != nil {
		return fmt.Errorf("update rental status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: active rental %s", errdefs.ErrNotFound, rentalID)
	}
	return nil
}

// CleanupRentals deletes finished rentals that ended before olderThan ago.
func (s *SQLiteStore) CleanupRentals(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).UnixMilli()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM rentals WHERE status != ? AND ended_at IS NOT NULL AND ended_at < ?`,
		string(domain.RentalActive), threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup rentals: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryRentals(ctx context.Context, query string, args ...interface{}) ([]*domain.Rental, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rentals: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close rental rows", "error", closeErr)
		}
	}()

	var rentals []*domain.Rental
	for rows.Next() {
		r, err := scanRental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental row: %w", err)
		}
		rentals = append(rentals, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rentals: %w", err)
	}
	return rentals, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRental(row rowScanner) (*domain.Rental, error) {
	var r domain.Rental
	var subject sql.NullString
	var status string
	var durationMs, startedAt, endsAt int64
	var endedAt sql.NullInt64

	if err := row.Scan(
		&r.ID, &r.UserID, &r.Wallet, &r.Token, &subject,
		&durationMs, &startedAt, &endsAt, &status, &endedAt,
	); err != nil {
		return nil, err
	}

	r.TokenSubject = subject.String
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.StartedAt = time.UnixMilli(startedAt)
	r.EndsAt = time.UnixMilli(endsAt)
	r.Status = domain.RentalStatus(status)
	if endedAt.Valid {
		ts := time.UnixMilli(endedAt.Int64)
		r.EndedAt = &ts
	}
	return &r, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
