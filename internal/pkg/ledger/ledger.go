package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/rafflrhq/rafflr/app/models"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientBalance is returned when a deduction would drive the
	// user's balance below zero. Grants can never trigger it.
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	// ErrDuplicateTransaction marks a provider transaction id that already
	// has a ledger row; the caller treats the whole operation as a no-op.
	ErrDuplicateTransaction = errors.New("duplicate provider transaction")
	ErrTransactionNotFound  = errors.New("ledger transaction not found")
	ErrAlreadyRefunded      = errors.New("transaction already refunded")
)

// Entry describes one balance mutation. Credits is signed: positive grants,
// negative deducts.
type Entry struct {
	UserID                uint
	SubscriptionID        *uint
	Kind                  string
	AmountCents           int64
	Currency              string
	Credits               int64
	ProviderTransactionID string
	Description           string
}

// Service mutates user credit balances. Every mutation appends exactly one
// Transaction row and rewrites the balance inside a single storage
// transaction, so balance always equals the sum of the user's ledger rows.
type Service struct {
	repo Repository
}

// NewService creates a ledger service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a ledger service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// Apply posts an entry and returns the new balance. Re-applying an entry
// with a provider transaction id already on the ledger returns
// ErrDuplicateTransaction and changes nothing.
func (s *Service) Apply(entry Entry) (int64, error) {
	if entry.UserID == 0 {
		return 0, errors.New("user_id is required")
	}
	if strings.TrimSpace(entry.ProviderTransactionID) == "" {
		return 0, errors.New("provider_transaction_id is required")
	}

	var newBalance int64
	err := s.repo.Atomically(func(r Repository) error {
		existing, err := r.GetTransactionByProviderTxID(entry.ProviderTransactionID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if existing != nil {
			return ErrDuplicateTransaction
		}

		balance, err := r.GetUserBalanceForUpdate(entry.UserID)
		if err != nil {
			return err
		}
		next := balance + entry.Credits
		if next < 0 {
			return ErrInsufficientBalance
		}

		tx := &models.Transaction{
			UserID:                entry.UserID,
			SubscriptionID:        entry.SubscriptionID,
			Kind:                  entry.Kind,
			AmountCents:           entry.AmountCents,
			Currency:              strings.ToLower(entry.Currency),
			Credits:               entry.Credits,
			ProviderTransactionID: strings.TrimSpace(entry.ProviderTransactionID),
			Description:           entry.Description,
		}
		if err := r.CreateTransaction(tx); err != nil {
			// A concurrent insert of the same provider transaction id loses
			// the unique-index race; treat it the same as the pre-check.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateTransaction
			}
			return err
		}
		if err := r.SetUserBalance(entry.UserID, next); err != nil {
			return err
		}
		newBalance = next
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Infof("[Ledger] user=%d credits=%+d balance=%d tx=%s", entry.UserID, entry.Credits, newBalance, entry.ProviderTransactionID)
	return newBalance, nil
}

// Refund reverses the credits of the ledger row identified by
// originalProviderTxID. The deduction is guarded: if it would drive the
// balance below zero nothing is written and ErrInsufficientBalance is
// returned so the refund can be reconciled manually.
func (s *Service) Refund(originalProviderTxID, refundProviderTxID string, amountCents int64, description string) (int64, error) {
	if strings.TrimSpace(originalProviderTxID) == "" || strings.TrimSpace(refundProviderTxID) == "" {
		return 0, errors.New("original and refund provider transaction ids are required")
	}

	var newBalance int64
	err := s.repo.Atomically(func(r Repository) error {
		original, err := r.GetTransactionByProviderTxID(originalProviderTxID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTransactionNotFound
			}
			return err
		}
		if original == nil {
			return ErrTransactionNotFound
		}
		if original.RefundedAt != nil {
			return ErrAlreadyRefunded
		}

		if dup, err := r.GetTransactionByProviderTxID(refundProviderTxID); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		} else if dup != nil {
			return ErrDuplicateTransaction
		}

		balance, err := r.GetUserBalanceForUpdate(original.UserID)
		if err != nil {
			return err
		}
		next := balance - original.Credits
		if next < 0 {
			return ErrInsufficientBalance
		}

		if amountCents <= 0 {
			amountCents = original.AmountCents
		}
		refund := &models.Transaction{
			UserID:                original.UserID,
			SubscriptionID:        original.SubscriptionID,
			Kind:                  models.TransactionKindRefund,
			AmountCents:           -amountCents,
			Currency:              original.Currency,
			Credits:               -original.Credits,
			ProviderTransactionID: strings.TrimSpace(refundProviderTxID),
			Description:           description,
		}
		if err := r.CreateTransaction(refund); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateTransaction
			}
			return err
		}
		if err := r.MarkTransactionRefunded(original.ID, time.Now(), amountCents); err != nil {
			return err
		}
		if err := r.SetUserBalance(original.UserID, next); err != nil {
			return err
		}
		newBalance = next
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Infof("[Ledger] refund of %s posted as %s, balance=%d", originalProviderTxID, refundProviderTxID, newBalance)
	return newBalance, nil
}

// VerifyBalance recomputes a user's balance from their ledger rows and
// compares it to the stored balance. Used by operational audits and tests.
func (s *Service) VerifyBalance(userID uint) error {
	sum, err := s.repo.SumUserCredits(userID)
	if err != nil {
		return err
	}
	balance, err := s.repo.GetUserBalance(userID)
	if err != nil {
		return err
	}
	if sum != balance {
		return fmt.Errorf("balance drift for user %d: stored=%d ledger=%d", userID, balance, sum)
	}
	return nil
}
