package ledger

import (
	"time"

	"github.com/rafflrhq/rafflr/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the ledger service. Atomically
// runs fn against a repository bound to one storage transaction; every
// balance mutation goes through it.
type Repository interface {
	Atomically(fn func(Repository) error) error
	GetUserBalance(userID uint) (int64, error)
	GetUserBalanceForUpdate(userID uint) (int64, error)
	SetUserBalance(userID uint, balance int64) error
	CreateTransaction(tx *models.Transaction) error
	GetTransactionByProviderTxID(providerTxID string) (*models.Transaction, error)
	MarkTransactionRefunded(id uint, refundedAt time.Time, amountCents int64) error
	ListTransactionsByUser(userID uint, limit int) ([]models.Transaction, error)
	SumUserCredits(userID uint) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Atomically(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetUserBalance(userID uint) (int64, error) {
	var u models.User
	if err := r.db.Select("credit_balance").First(&u, userID).Error; err != nil {
		return 0, err
	}
	return u.CreditBalance, nil
}

func (r *gormRepository) GetUserBalanceForUpdate(userID uint) (int64, error) {
	var u models.User
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "credit_balance").
		First(&u, userID).Error
	if err != nil {
		return 0, err
	}
	return u.CreditBalance, nil
}

func (r *gormRepository) SetUserBalance(userID uint, balance int64) error {
	return r.db.Model(&models.User{}).Where("id = ?", userID).
		Update("credit_balance", balance).Error
}

func (r *gormRepository) CreateTransaction(tx *models.Transaction) error {
	return r.db.Create(tx).Error
}

func (r *gormRepository) GetTransactionByProviderTxID(providerTxID string) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.db.Where("provider_transaction_id = ?", providerTxID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) MarkTransactionRefunded(id uint, refundedAt time.Time, amountCents int64) error {
	return r.db.Model(&models.Transaction{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"refunded_at":           &refundedAt,
			"refunded_amount_cents": amountCents,
		}).Error
}

func (r *gormRepository) ListTransactionsByUser(userID uint, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txs []models.Transaction
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *gormRepository) SumUserCredits(userID uint) (int64, error) {
	var sum *int64
	err := r.db.Model(&models.Transaction{}).
		Select("SUM(credits)").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}
