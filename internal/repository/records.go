package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/tremor-api/internal/decision"
	"github.com/example/tremor-api/internal/logging"
	"github.com/example/tremor-api/internal/storage"
)

// MaxListLimit caps how many records a single list call returns.
const MaxListLimit = 200

// ErrMissingOwner is returned when a record operation has no owning user.
var ErrMissingOwner = errors.New("record owner is required")

// NewRecord carries the optional fields of a record being saved.
type NewRecord struct {
	SensorCSV    *string
	Age          *int
	DominantHand *string
	Result       *decision.InferenceResult
}

// RecordAggregation summarizes the records of one user.
type RecordAggregation struct {
	TotalCount    int64
	PositiveCount int64
	ScoredCount   int64
	AverageScore  float64
	LatestAt      *time.Time
}

// RecordRepository persists test records. Every read is scoped to an owner.
type RecordRepository struct {
	retryPolicy
	db  *gorm.DB
	now func() time.Time
}

// NewRecordRepository creates a new repository instance.
func NewRecordRepository(db *gorm.DB, logger *zap.Logger) *RecordRepository {
	return &RecordRepository{
		retryPolicy: defaultRetryPolicy(logger.Named("record_repository")),
		db:          db,
		now:         time.Now,
	}
}

// SaveRecord inserts one immutable record for userID. The image handle can
// only come from storage.Store.Save, so the referenced file already exists.
func (r *RecordRepository) SaveRecord(ctx context.Context, userID string, image storage.StoredImage, fields NewRecord) (*TestRecord, error) {
	if userID == "" {
		return nil, ErrMissingOwner
	}
	if image.IsZero() {
		return nil, errors.New("record requires a stored image")
	}

	record := &TestRecord{
		UserID:       userID,
		ImagePath:    image.Path(),
		SensorCSV:    fields.SensorCSV,
		Age:          fields.Age,
		DominantHand: fields.DominantHand,
		Result:       fields.Result,
		CreatedAt:    r.now().UTC(),
	}
	if fields.Result != nil {
		label, score := fields.Result.Decision, fields.Result.Score
		record.Decision = &label
		record.Score = &score
	}

	err := r.executeWithRetry(ctx, "repository.save_record", logging.RequestIDFrom(ctx), func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListRecords returns up to limit records of userID, newest first. limit is
// clamped to [1, MaxListLimit].
func (r *RecordRepository) ListRecords(ctx context.Context, userID string, limit int) ([]TestRecord, error) {
	if userID == "" {
		return nil, ErrMissingOwner
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	var records []TestRecord
	err := r.executeWithRetry(ctx, "repository.list_records", logging.RequestIDFrom(ctx), func() error {
		records = records[:0]
		return r.ownedBy(ctx, userID).
			Order("created_at DESC").
			Order("id DESC").
			Limit(limit).
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AggregateRecords computes summary metrics over every record of userID.
// Records whose decision is in positiveLabels count as positive.
func (r *RecordRepository) AggregateRecords(ctx context.Context, userID string, positiveLabels []string) (*RecordAggregation, error) {
	if userID == "" {
		return nil, ErrMissingOwner
	}

	var row struct {
		TotalCount   int64
		ScoredCount  int64
		AverageScore *float64
	}
	var positive int64
	var latest []TestRecord
	err := r.executeWithRetry(ctx, "repository.aggregate_records", logging.RequestIDFrom(ctx), func() error {
		if err := r.ownedBy(ctx, userID).
			Select("COUNT(*) AS total_count, COUNT(score) AS scored_count, AVG(score) AS average_score").
			Scan(&row).Error; err != nil {
			return err
		}
		positive = 0
		if len(positiveLabels) > 0 {
			if err := r.ownedBy(ctx, userID).Where("decision IN ?", positiveLabels).Count(&positive).Error; err != nil {
				return err
			}
		}
		return r.ownedBy(ctx, userID).Select("created_at").Order("created_at DESC").Limit(1).Find(&latest).Error
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate records: %w", err)
	}

	agg := &RecordAggregation{
		TotalCount:    row.TotalCount,
		PositiveCount: positive,
		ScoredCount:   row.ScoredCount,
	}
	if row.AverageScore != nil {
		agg.AverageScore = *row.AverageScore
	}
	if len(latest) > 0 {
		at := latest[0].CreatedAt
		agg.LatestAt = &at
	}
	return agg, nil
}

// ownedBy starts every record query; there is no unscoped read path.
func (r *RecordRepository) ownedBy(ctx context.Context, userID string) *gorm.DB {
	return r.db.WithContext(ctx).Model(&TestRecord{}).Where("user_id = ?", userID)
}
