package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

func TestSummarizeEarnings(t *testing.T) {
	l := NewMemoryLedger()
	w := newWallet(t, l, "c1", models.OwnerCaptain)
	ctx := context.Background()

	post := func(dir models.TxDirection, amount int64, cat models.TxCategory, ride string) {
		t.Helper()
		if _, err := l.Post(ctx, Posting{WalletID: w.ID, Direction: dir, Amount: amount, Category: cat, RideID: ride}); err != nil {
			t.Fatalf("post %s: %v", cat, err)
		}
	}
	post(models.TxCredit, 8000, models.CategoryRideEarnings, "ride1")
	post(models.TxCredit, 12000, models.CategoryRideEarnings, "ride2")
	post(models.TxCredit, 1500, models.CategoryTip, "ride2")
	post(models.TxCredit, 3000, models.CategoryCancellationFee, "ride3")
	post(models.TxCredit, 5000, models.CategoryBonus, "")
	post(models.TxDebit, 10000, models.CategoryWithdrawal, "")

	s, err := SummarizeEarnings(ctx, l, "c1", time.Time{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.RideCount != 2 {
		t.Fatalf("ride count = %d", s.RideCount)
	}
	if s.Earnings != 23000 {
		t.Fatalf("earnings = %d", s.Earnings)
	}
	if s.Tips != 1500 || s.Bonuses != 5000 || s.Withdrawals != 10000 {
		t.Fatalf("components wrong: %+v", s)
	}
	if s.Net != 19500 {
		t.Fatalf("net = %d", s.Net)
	}
	if bal, _ := l.Balance(ctx, w.ID); bal != s.Net {
		t.Fatalf("net %d diverged from balance %d", s.Net, bal)
	}
}

func TestSummarizeEarningsSinceCutoff(t *testing.T) {
	l := NewMemoryLedger()
	w := newWallet(t, l, "c1", models.OwnerCaptain)
	ctx := context.Background()

	if _, err := l.Post(ctx, Posting{WalletID: w.ID, Direction: models.TxCredit, Amount: 8000, Category: models.CategoryRideEarnings, RideID: "ride1"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	s, err := SummarizeEarnings(ctx, l, "c1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.RideCount != 0 || s.Net != 0 {
		t.Fatalf("cutoff ignored: %+v", s)
	}
}

func TestSummarizeEarningsEmptyWallet(t *testing.T) {
	l := NewMemoryLedger()
	newWallet(t, l, "c1", models.OwnerCaptain)
	s, err := SummarizeEarnings(context.Background(), l, "c1", time.Time{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.Net != 0 {
		t.Fatalf("empty wallet net = %d", s.Net)
	}
}
