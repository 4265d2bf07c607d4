package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-coordination/internal/models"
)

// PostgresLedger persists wallets and the transaction log. Per-wallet
// serialization comes from a row lock on the wallet; idempotency from a
// unique index on the key column.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresLedger{db: db}, nil
}

func (l *PostgresLedger) EnsureWallet(ctx context.Context, ownerID string, kind models.OwnerKind, currency string) (*models.Wallet, error) {
	id := WalletID(ownerID, kind)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO wallets(id, owner_id, owner_kind, balance, currency)
		 VALUES($1,$2,$3,0,$4) ON CONFLICT (id) DO NOTHING`,
		id, ownerID, string(kind), currency)
	if err != nil {
		return nil, err
	}
	w := &models.Wallet{ID: id}
	err = l.db.QueryRowContext(ctx,
		`SELECT owner_id, owner_kind, balance, currency FROM wallets WHERE id=$1`, id).
		Scan(&w.OwnerID, &w.OwnerKind, &w.Balance, &w.Currency)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (l *PostgresLedger) Post(ctx context.Context, p Posting) (*models.Transaction, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if p.IdempotencyKey != "" {
		if prev, err := l.findByKey(ctx, tx, p.IdempotencyKey); err == nil && prev != nil {
			_ = tx.Commit()
			return prev, ErrDuplicatePosting
		}
	}

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE id=$1 FOR UPDATE`, p.WalletID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}

	delta := p.Amount
	if p.Direction == models.TxDebit {
		delta = -delta
	}
	if balance+delta < 0 {
		return nil, ErrInsufficientFunds
	}
	balance += delta

	rec := &models.Transaction{
		ID:             newTxID(),
		WalletID:       p.WalletID,
		Direction:      p.Direction,
		Amount:         p.Amount,
		Category:       p.Category,
		RideID:         p.RideID,
		BalanceAfter:   balance,
		Status:         models.TxCompleted,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions(id, wallet_id, direction, amount, category, ride_id, balance_after, status, idempotency_key, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10)`,
		rec.ID, rec.WalletID, string(rec.Direction), rec.Amount, string(rec.Category),
		nullable(rec.RideID), rec.BalanceAfter, string(rec.Status), rec.IdempotencyKey, rec.CreatedAt)
	if err != nil {
		// A concurrent retry may have won the unique-key race.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" && p.IdempotencyKey != "" {
			if prev, ferr := l.findByKeyDB(ctx, p.IdempotencyKey); ferr == nil && prev != nil {
				return prev, ErrDuplicatePosting
			}
		}
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE wallets SET balance=$1 WHERE id=$2`, balance, p.WalletID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *PostgresLedger) Balance(ctx context.Context, walletID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE id=$1`, walletID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrWalletNotFound
	}
	return balance, err
}

func (l *PostgresLedger) History(ctx context.Context, walletID string) ([]*models.Transaction, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, wallet_id, direction, amount, category, COALESCE(ride_id,''), balance_after, status, COALESCE(idempotency_key,''), created_at
		 FROM transactions WHERE wallet_id=$1 ORDER BY created_at`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t := &models.Transaction{}
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Direction, &t.Amount, &t.Category,
			&t.RideID, &t.BalanceAfter, &t.Status, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) findByKey(ctx context.Context, tx *sql.Tx, key string) (*models.Transaction, error) {
	return scanByKey(tx.QueryRowContext(ctx, byKeyQuery, key))
}

func (l *PostgresLedger) findByKeyDB(ctx context.Context, key string) (*models.Transaction, error) {
	return scanByKey(l.db.QueryRowContext(ctx, byKeyQuery, key))
}

const byKeyQuery = `SELECT id, wallet_id, direction, amount, category, COALESCE(ride_id,''), balance_after, status, COALESCE(idempotency_key,''), created_at
	 FROM transactions WHERE idempotency_key=$1`

func scanByKey(row *sql.Row) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := row.Scan(&t.ID, &t.WalletID, &t.Direction, &t.Amount, &t.Category,
		&t.RideID, &t.BalanceAfter, &t.Status, &t.IdempotencyKey, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup posting by key: %w", err)
	}
	return t, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
