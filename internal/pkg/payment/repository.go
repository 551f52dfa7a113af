package payment

import (
	"time"

	"github.com/rafflrhq/rafflr/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the ingestion service and the
// sweep.
type Repository interface {
	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, note string) error
	RecordWebhookFailure(id uint, errMsg string) error
	GetWebhookEvent(id uint) (*models.WebhookEvent, error)

	GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error)
	CreateSubscription(sub *models.Subscription) error
	SaveSubscription(sub *models.Subscription) error
	ListLapsedSubscriptions(now time.Time, limit int) ([]models.Subscription, error)
	GetActiveSubscriptionByUser(userID uint) (*models.Subscription, error)

	FindActivePlanMapping(provider, providerPlanRef string) (*models.PlanMapping, error)
	GetPlanByCode(code string) (*models.Plan, error)

	UpsertProviderAccount(account *models.ProviderAccount) error
	GetProviderAccountByProviderAccountID(provider, providerAccountID string) (*models.ProviderAccount, error)

	GetUserByID(id uint) (*models.User, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payment repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// CreateWebhookEventIfNotExists inserts the event unless the
// (provider, provider_event_id) pair already exists. The unique index turns
// concurrent deliveries of the same event into a deterministic
// first-writer-wins outcome; no in-process locking is involved.
func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, note string) error {
	now := time.Now()
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_at":     &now,
			"processing_error": note,
		}).Error
}

// RecordWebhookFailure stores the error but leaves the event unprocessed so
// it stays eligible for replay.
func (r *gormRepository) RecordWebhookFailure(id uint, errMsg string) error {
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).
		Update("processing_error", errMsg).Error
}

func (r *gormRepository) GetWebhookEvent(id uint) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := r.db.First(&ev, id).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *gormRepository) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) CreateSubscription(sub *models.Subscription) error {
	return r.db.Create(sub).Error
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

func (r *gormRepository) ListLapsedSubscriptions(now time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 500
	}
	var subs []models.Subscription
	err := r.db.
		Where("status IN ?", []string{
			models.SubscriptionStatusTrialing,
			models.SubscriptionStatusActive,
			models.SubscriptionStatusPastDue,
			models.SubscriptionStatusGracePeriod,
		}).
		Where("current_period_end IS NOT NULL AND current_period_end < ?", now).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) GetActiveSubscriptionByUser(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("user_id = ?", userID).
		Where("status IN ?", []string{
			models.SubscriptionStatusTrialing,
			models.SubscriptionStatusActive,
			models.SubscriptionStatusPastDue,
			models.SubscriptionStatusGracePeriod,
		}).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindActivePlanMapping(provider, providerPlanRef string) (*models.PlanMapping, error) {
	var m models.PlanMapping
	err := r.db.
		Where("provider = ? AND provider_plan_ref = ? AND is_active = ?", provider, providerPlanRef, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) GetPlanByCode(code string) (*models.Plan, error) {
	var p models.Plan
	if err := r.db.Where("code = ? AND is_active = ?", code, true).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) UpsertProviderAccount(account *models.ProviderAccount) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_account_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"updated_at",
		}),
	}).Create(account).Error; err != nil {
		return err
	}

	return r.db.Where("provider = ? AND provider_account_id = ?", account.Provider, account.ProviderAccountID).
		First(account).Error
}

func (r *gormRepository) GetProviderAccountByProviderAccountID(provider, providerAccountID string) (*models.ProviderAccount, error) {
	var account models.ProviderAccount
	err := r.db.Where("provider = ? AND provider_account_id = ?", provider, providerAccountID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) GetUserByID(id uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
