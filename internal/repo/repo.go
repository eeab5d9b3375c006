package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kolapay/payment-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	FindByProviderReference(ctx context.Context, provider model.Provider, ref string) (*model.Transaction, error)
	ConditionalTransition(ctx context.Context, tx *gorm.DB, id string, expected, next model.Status, fields map[string]interface{}) (bool, error)
	FindStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]model.Transaction, error)
	InsertWebhookEvent(ctx context.Context, evt *model.WebhookEvent) (bool, error)
	FindUnprocessedEvents(ctx context.Context, olderThan time.Duration, limit int) ([]model.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, provider model.Provider, eventID string) error
	CreateCredential(ctx context.Context, c *model.PaymentCredential) error
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	SetNonce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateTransaction inserts the PENDING row. The unique
// (provider, provider_reference) index rejects a duplicate initiation.
func (r *Repository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	return r.db.WithContext(ctx).Create(t).Error
}

// GetTransaction loads a transaction by id.
func (r *Repository) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// FindByProviderReference resolves the correlation key carried by
// callbacks and status queries.
func (r *Repository) FindByProviderReference(ctx context.Context, provider model.Provider, ref string) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_reference = ?", provider, ref).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ConditionalTransition is the engine's single synchronization point: one
// UPDATE guarded by the current persisted status. RowsAffected==0 means
// another path already moved the row; that is reported as applied=false,
// never as an error. Pass tx to join an enclosing DB transaction, or nil.
func (r *Repository) ConditionalTransition(ctx context.Context, tx *gorm.DB, id string, expected, next model.Status, fields map[string]interface{}) (bool, error) {
	db := tx
	if db == nil {
		db = r.db
	}
	updates := map[string]interface{}{"status": next}
	for k, v := range fields {
		updates[k] = v
	}
	res := db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FindStalePending lists PENDING transactions older than the cutoff, for
// the reconciliation sweep.
func (r *Repository) FindStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	cutoff := time.Now().Add(-olderThan)
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.StatusPending, cutoff).
		Order("created_at").Limit(limit).Find(&txs).Error
	return txs, err
}

// InsertWebhookEvent is the atomic insert-if-absent dedupe write.
// Returns false when (provider, event_id) was already recorded.
func (r *Repository) InsertWebhookEvent(ctx context.Context, evt *model.WebhookEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(evt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FindUnprocessedEvents lists accepted callbacks whose processing never
// completed (early arrivals, resolution failures), oldest first.
func (r *Repository) FindUnprocessedEvents(ctx context.Context, olderThan time.Duration, limit int) ([]model.WebhookEvent, error) {
	var events []model.WebhookEvent
	cutoff := time.Now().Add(-olderThan)
	err := r.db.WithContext(ctx).
		Where("processed = ? AND created_at < ?", false, cutoff).
		Order("created_at").Limit(limit).Find(&events).Error
	return events, err
}

// MarkWebhookProcessed flips the processed flag once resolution has been
// attempted, win or lose.
func (r *Repository) MarkWebhookProcessed(ctx context.Context, provider model.Provider, eventID string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// CreateCredential stores a reusable instrument. The unique
// transaction_id index makes a duplicate store attempt a no-op.
func (r *Repository) CreateCredential(ctx context.Context, c *model.PaymentCredential) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(c).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	db := tx
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// SetNonce claims a replay nonce for ttl. Returns false when the nonce
// was already claimed inside its window.
func (r *Repository) SetNonce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, "nonce:"+key, 1, ttl).Result()
}
