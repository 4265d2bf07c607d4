package ledger

import (
	"context"
	"errors"

	"github.com/example/ride-coordination/internal/models"
)

var (
	// ErrInsufficientFunds means the debit would have driven the balance
	// negative; nothing was posted.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicatePosting means the idempotency key was already applied. The
	// caller should treat this as success; Post returns the original
	// transaction alongside it.
	ErrDuplicatePosting = errors.New("duplicate posting")
	ErrWalletNotFound   = errors.New("wallet not found")
)

// Posting describes one requested ledger movement. Amount is always positive;
// Direction carries the sign. IdempotencyKey is caller-supplied (ride id +
// stage) so a retried transition posts at most once.
type Posting struct {
	WalletID       string
	Direction      models.TxDirection
	Amount         int64
	Category       models.TxCategory
	RideID         string
	IdempotencyKey string
}

// Ledger is the source of truth for money movement. Postings to one wallet
// serialize; the balance always equals the sum of completed transaction
// deltas.
type Ledger interface {
	EnsureWallet(ctx context.Context, ownerID string, kind models.OwnerKind, currency string) (*models.Wallet, error)
	Post(ctx context.Context, p Posting) (*models.Transaction, error)
	Balance(ctx context.Context, walletID string) (int64, error)
	History(ctx context.Context, walletID string) ([]*models.Transaction, error)
}

// WalletID derives the deterministic wallet id for an owner. One wallet per
// owner keeps request payloads free of wallet bookkeeping.
func WalletID(ownerID string, kind models.OwnerKind) string {
	return string(kind) + ":" + ownerID
}
