package ledger

import (
	"context"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

// EarningsSummary is a read-only projection over a captain wallet's
// transaction log. It is recomputed on demand, never stored.
type EarningsSummary struct {
	WalletID    string `json:"wallet_id"`
	RideCount   int    `json:"ride_count"`
	Earnings    int64  `json:"earnings"`
	Tips        int64  `json:"tips"`
	Bonuses     int64  `json:"bonuses"`
	Withdrawals int64  `json:"withdrawals"`
	Net         int64  `json:"net"`
}

// SummarizeEarnings folds the wallet history from since onward. A zero since
// covers the full history. Pending and failed transactions are excluded.
func SummarizeEarnings(ctx context.Context, led Ledger, captainID string, since time.Time) (*EarningsSummary, error) {
	walletID := WalletID(captainID, models.OwnerCaptain)
	txs, err := led.History(ctx, walletID)
	if err != nil {
		return nil, err
	}
	s := &EarningsSummary{WalletID: walletID}
	for _, tx := range txs {
		if tx.Status != models.TxCompleted {
			continue
		}
		if !since.IsZero() && tx.CreatedAt.Before(since) {
			continue
		}
		switch tx.Category {
		case models.CategoryRideEarnings:
			s.RideCount++
			s.Earnings += tx.Amount
		case models.CategoryTip:
			s.Tips += tx.Amount
		case models.CategoryBonus:
			s.Bonuses += tx.Amount
		case models.CategoryCancellationFee:
			if tx.Direction == models.TxCredit {
				s.Earnings += tx.Amount
			}
		case models.CategoryWithdrawal:
			s.Withdrawals += tx.Amount
		}
	}
	s.Net = s.Earnings + s.Tips + s.Bonuses - s.Withdrawals
	return s, nil
}
