package ledger

import (
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/rafflrhq/rafflr/app/models"
)

type fakeRepository struct {
	balances map[uint]int64
	txs      []models.Transaction
	nextID   uint
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{balances: make(map[uint]int64), nextID: 1}
}

func (f *fakeRepository) Atomically(fn func(Repository) error) error {
	return fn(f)
}

func (f *fakeRepository) GetUserBalance(userID uint) (int64, error) {
	return f.balances[userID], nil
}

func (f *fakeRepository) GetUserBalanceForUpdate(userID uint) (int64, error) {
	return f.balances[userID], nil
}

func (f *fakeRepository) SetUserBalance(userID uint, balance int64) error {
	f.balances[userID] = balance
	return nil
}

func (f *fakeRepository) CreateTransaction(tx *models.Transaction) error {
	for _, existing := range f.txs {
		if existing.ProviderTransactionID == tx.ProviderTransactionID {
			return gorm.ErrDuplicatedKey
		}
	}
	tx.ID = f.nextID
	f.nextID++
	tx.CreatedAt = time.Now()
	f.txs = append(f.txs, *tx)
	return nil
}

func (f *fakeRepository) GetTransactionByProviderTxID(providerTxID string) (*models.Transaction, error) {
	for i := range f.txs {
		if f.txs[i].ProviderTransactionID == providerTxID {
			tx := f.txs[i]
			return &tx, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) MarkTransactionRefunded(id uint, refundedAt time.Time, amountCents int64) error {
	for i := range f.txs {
		if f.txs[i].ID == id {
			f.txs[i].RefundedAt = &refundedAt
			f.txs[i].RefundedAmountCents = amountCents
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeRepository) ListTransactionsByUser(userID uint, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, tx := range f.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeRepository) SumUserCredits(userID uint) (int64, error) {
	var sum int64
	for _, tx := range f.txs {
		if tx.UserID == userID {
			sum += tx.Credits
		}
	}
	return sum, nil
}

func TestApplyGrantsAndDeducts(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	balance, err := svc.Apply(Entry{UserID: 1, Kind: models.TransactionKindPurchase, Credits: 100, ProviderTransactionID: "pi_1"})
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance = %d, want 100", balance)
	}

	balance, err = svc.Apply(Entry{UserID: 1, Kind: models.TransactionKindAdjustment, Credits: -30, ProviderTransactionID: "adj_1"})
	if err != nil {
		t.Fatalf("deduction failed: %v", err)
	}
	if balance != 70 {
		t.Fatalf("balance = %d, want 70", balance)
	}

	if err := svc.VerifyBalance(1); err != nil {
		t.Fatalf("balance drifted from ledger: %v", err)
	}
}

func TestApplyRejectsNegativeBalance(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	if _, err := svc.Apply(Entry{UserID: 1, Kind: models.TransactionKindAdjustment, Credits: -10, ProviderTransactionID: "adj_neg"}); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(repo.txs) != 0 {
		t.Fatalf("rejected deduction must not write a ledger row")
	}
	if repo.balances[1] != 0 {
		t.Fatalf("rejected deduction must not touch the balance")
	}
}

func TestApplyDuplicateTransactionIsNoOp(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	if _, err := svc.Apply(Entry{UserID: 1, Credits: 50, ProviderTransactionID: "pi_dup"}); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if _, err := svc.Apply(Entry{UserID: 1, Credits: 50, ProviderTransactionID: "pi_dup"}); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}
	if repo.balances[1] != 50 {
		t.Fatalf("duplicate apply changed balance: %d", repo.balances[1])
	}
	if len(repo.txs) != 1 {
		t.Fatalf("duplicate apply appended a row: %d rows", len(repo.txs))
	}
}

func TestApplyRequiresProviderTransactionID(t *testing.T) {
	svc := NewService(newFakeRepository())
	if _, err := svc.Apply(Entry{UserID: 1, Credits: 10}); err == nil {
		t.Fatalf("expected error for missing provider transaction id")
	}
}

func TestRefundReversesOriginal(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	if _, err := svc.Apply(Entry{UserID: 2, Kind: models.TransactionKindPurchase, AmountCents: 999, Credits: 100, ProviderTransactionID: "pi_ref"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	balance, err := svc.Refund("pi_ref", "re_1", 999, "refund")
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0", balance)
	}

	original, err := repo.GetTransactionByProviderTxID("pi_ref")
	if err != nil {
		t.Fatalf("original lookup failed: %v", err)
	}
	if original.RefundedAt == nil {
		t.Fatalf("original row not marked refunded")
	}
	if original.RefundedAmountCents != 999 {
		t.Fatalf("refunded amount = %d, want 999", original.RefundedAmountCents)
	}

	refundRow, err := repo.GetTransactionByProviderTxID("re_1")
	if err != nil {
		t.Fatalf("refund row lookup failed: %v", err)
	}
	if refundRow.Credits != -100 {
		t.Fatalf("refund credits = %d, want -100", refundRow.Credits)
	}
	if refundRow.Kind != models.TransactionKindRefund {
		t.Fatalf("refund kind = %q", refundRow.Kind)
	}

	if err := svc.VerifyBalance(2); err != nil {
		t.Fatalf("balance drifted from ledger: %v", err)
	}
}

func TestRefundGuardsNegativeBalance(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	if _, err := svc.Apply(Entry{UserID: 3, Credits: 100, ProviderTransactionID: "pi_spent"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	// The user spends most of the credits before the refund arrives.
	if _, err := svc.Apply(Entry{UserID: 3, Kind: models.TransactionKindAdjustment, Credits: -80, ProviderTransactionID: "adj_spend"}); err != nil {
		t.Fatalf("spend failed: %v", err)
	}

	if _, err := svc.Refund("pi_spent", "re_guard", 0, "refund"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if repo.balances[3] != 20 {
		t.Fatalf("guarded refund changed balance: %d", repo.balances[3])
	}
	original, _ := repo.GetTransactionByProviderTxID("pi_spent")
	if original.RefundedAt != nil {
		t.Fatalf("guarded refund must not mark the original refunded")
	}
}

func TestRefundIsIdempotent(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	if _, err := svc.Apply(Entry{UserID: 4, Credits: 50, ProviderTransactionID: "pi_once"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := svc.Refund("pi_once", "re_once", 0, "refund"); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if _, err := svc.Refund("pi_once", "re_once_retry", 0, "refund"); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
	if _, err := svc.Refund("missing_tx", "re_missing", 0, "refund"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}
