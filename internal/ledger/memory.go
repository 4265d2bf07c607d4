package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

// walletState pairs a wallet with its own lock so postings to different
// wallets never contend.
type walletState struct {
	mu     sync.Mutex
	wallet models.Wallet
	txs    []*models.Transaction
}

// MemoryLedger is the in-process Ledger used when PG_DSN is unset and in
// tests.
type MemoryLedger struct {
	mu      sync.RWMutex
	wallets map[string]*walletState
	byIdem  map[string]*models.Transaction
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		wallets: make(map[string]*walletState),
		byIdem:  make(map[string]*models.Transaction),
	}
}

func (l *MemoryLedger) EnsureWallet(ctx context.Context, ownerID string, kind models.OwnerKind, currency string) (*models.Wallet, error) {
	id := WalletID(ownerID, kind)
	l.mu.Lock()
	defer l.mu.Unlock()
	if ws, ok := l.wallets[id]; ok {
		w := ws.wallet
		return &w, nil
	}
	ws := &walletState{wallet: models.Wallet{ID: id, OwnerID: ownerID, OwnerKind: kind, Currency: currency}}
	l.wallets[id] = ws
	w := ws.wallet
	return &w, nil
}

func (l *MemoryLedger) Post(ctx context.Context, p Posting) (*models.Transaction, error) {
	l.mu.Lock()
	if p.IdempotencyKey != "" {
		if tx, ok := l.byIdem[p.IdempotencyKey]; ok {
			l.mu.Unlock()
			return tx, ErrDuplicatePosting
		}
	}
	ws, ok := l.wallets[p.WalletID]
	l.mu.Unlock()
	if !ok {
		return nil, ErrWalletNotFound
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	// Re-check the key under the wallet lock: two concurrent retries of the
	// same posting must resolve to one transaction.
	l.mu.Lock()
	if p.IdempotencyKey != "" {
		if tx, ok := l.byIdem[p.IdempotencyKey]; ok {
			l.mu.Unlock()
			return tx, ErrDuplicatePosting
		}
	}
	l.mu.Unlock()

	delta := p.Amount
	if p.Direction == models.TxDebit {
		delta = -delta
	}
	if ws.wallet.Balance+delta < 0 {
		return nil, ErrInsufficientFunds
	}
	ws.wallet.Balance += delta
	tx := &models.Transaction{
		ID:             newTxID(),
		WalletID:       p.WalletID,
		Direction:      p.Direction,
		Amount:         p.Amount,
		Category:       p.Category,
		RideID:         p.RideID,
		BalanceAfter:   ws.wallet.Balance,
		Status:         models.TxCompleted,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	ws.txs = append(ws.txs, tx)
	if p.IdempotencyKey != "" {
		l.mu.Lock()
		l.byIdem[p.IdempotencyKey] = tx
		l.mu.Unlock()
	}
	return tx, nil
}

func (l *MemoryLedger) Balance(ctx context.Context, walletID string) (int64, error) {
	l.mu.RLock()
	ws, ok := l.wallets[walletID]
	l.mu.RUnlock()
	if !ok {
		return 0, ErrWalletNotFound
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.wallet.Balance, nil
}

func (l *MemoryLedger) History(ctx context.Context, walletID string) ([]*models.Transaction, error) {
	l.mu.RLock()
	ws, ok := l.wallets[walletID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrWalletNotFound
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*models.Transaction, len(ws.txs))
	copy(out, ws.txs)
	return out, nil
}

func newTxID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "tx_" + hex.EncodeToString(b)
}
