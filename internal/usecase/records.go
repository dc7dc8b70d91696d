package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/tremor-api/internal/apperr"
	"github.com/example/tremor-api/internal/decision"
	"github.com/example/tremor-api/internal/logging"
	"github.com/example/tremor-api/internal/repository"
	"github.com/example/tremor-api/internal/storage"
)

// RecordRepository defines the persistence operations needed by the record use case.
type RecordRepository interface {
	SaveRecord(ctx context.Context, userID string, image storage.StoredImage, fields repository.NewRecord) (*repository.TestRecord, error)
	ListRecords(ctx context.Context, userID string, limit int) ([]repository.TestRecord, error)
	AggregateRecords(ctx context.Context, userID string, positiveLabels []string) (*repository.RecordAggregation, error)
}

// ImageStore writes uploaded drawings.
type ImageStore interface {
	Save(data []byte) (storage.StoredImage, error)
	Remove(img storage.StoredImage) error
}

// SaveRecordInput is an authenticated save request.
type SaveRecordInput struct {
	Image        []byte
	SensorCSV    string
	Age          *int
	DominantHand *string
	Result       *decision.InferenceResult
}

// RecordView is a record as returned to clients. ImageURL is only set on
// reads that know the request's scheme and host.
type RecordView struct {
	ID           string                    `json:"id"`
	ImagePath    string                    `json:"imagePath"`
	ImageURL     string                    `json:"imageUrl,omitempty"`
	SensorCSV    *string                   `json:"sensor_csv"`
	Age          *int                      `json:"age"`
	DominantHand *string                   `json:"dominant_hand"`
	Result       *decision.InferenceResult `json:"result"`
	CreatedAt    time.Time                 `json:"createdAt"`
}

// RecordUseCase saves and lists per-user test records.
type RecordUseCase struct {
	repo   RecordRepository
	images ImageStore
	logger *zap.Logger
}

// NewRecordUseCase constructs a new use case instance.
func NewRecordUseCase(repo RecordRepository, images ImageStore, logger *zap.Logger) *RecordUseCase {
	return &RecordUseCase{
		repo:   repo,
		images: images,
		logger: logger.Named("record_usecase"),
	}
}

// SaveRecord stores the image, then the record referencing it. If the record
// insert fails the image is removed again.
func (uc *RecordUseCase) SaveRecord(ctx context.Context, userID string, in SaveRecordInput) (*RecordView, error) {
	requestID := logging.RequestIDFrom(ctx)
	opLogger := logging.WithUser(logging.WithOperation(uc.logger, "usecase.save_record", requestID), userID)

	if userID == "" {
		return nil, apperr.ErrUnauthorized
	}
	if len(in.Image) == 0 {
		return nil, fmt.Errorf("image file (multipart field \"image\") required: %w", apperr.ErrValidation)
	}

	stored, err := uc.images.Save(in.Image)
	if err != nil {
		opLogger.Error("failed to store image", zap.Error(err))
		return nil, logging.NewOperationError("usecase.store_image", requestID, err)
	}

	fields := repository.NewRecord{
		Age:          in.Age,
		DominantHand: in.DominantHand,
		Result:       in.Result,
	}
	if in.SensorCSV != "" {
		csv := in.SensorCSV
		fields.SensorCSV = &csv
	}

	record, err := uc.repo.SaveRecord(ctx, userID, stored, fields)
	if err != nil {
		if rmErr := uc.images.Remove(stored); rmErr != nil {
			opLogger.Warn("failed to remove orphaned upload", zap.Error(rmErr), zap.String("path", stored.Path()))
		}
		opLogger.Error("failed to persist record", zap.Error(err))
		return nil, logging.NewOperationError("usecase.save_record", requestID, err)
	}

	opLogger.Info("record saved", zap.String("record_id", record.ID), zap.String("image", stored.Path()))
	view := toView(*record, "")
	return &view, nil
}

// ListRecords returns the newest records of userID with image URLs resolved
// against baseURL.
func (uc *RecordUseCase) ListRecords(ctx context.Context, userID, baseURL string) ([]RecordView, error) {
	if userID == "" {
		return nil, apperr.ErrUnauthorized
	}

	records, err := uc.repo.ListRecords(ctx, userID, repository.MaxListLimit)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.list_records", logging.RequestIDFrom(ctx)).Error("failed to list records", zap.Error(err))
		return nil, err
	}

	views := make([]RecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, toView(rec, baseURL))
	}
	return views, nil
}

func toView(rec repository.TestRecord, baseURL string) RecordView {
	view := RecordView{
		ID:           rec.ID,
		ImagePath:    rec.ImagePath,
		SensorCSV:    rec.SensorCSV,
		Age:          rec.Age,
		DominantHand: rec.DominantHand,
		Result:       rec.Result,
		CreatedAt:    rec.CreatedAt,
	}
	if baseURL != "" {
		view.ImageURL = storage.ResolveURL(baseURL, rec.ImagePath)
	}
	return view
}

// ParseAge parses the optional age form field.
func ParseAge(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	age, err := strconv.Atoi(raw)
	if err != nil || age < 0 {
		return nil, fmt.Errorf("age must be a non-negative integer: %w", apperr.ErrValidation)
	}
	return &age, nil
}

// ParseDominantHand parses the optional dominant_hand form field.
func ParseDominantHand(raw string) (*string, error) {
	hand := strings.ToLower(strings.TrimSpace(raw))
	switch hand {
	case "":
		return nil, nil
	case "left", "right":
		return &hand, nil
	default:
		return nil, fmt.Errorf("dominant_hand must be left or right: %w", apperr.ErrValidation)
	}
}

// ParseResult decodes the optional client-supplied result. Malformed JSON
// is treated as absent.
func ParseResult(raw string) *decision.InferenceResult {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var result decision.InferenceResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil || result.Decision == "" {
		return nil
	}
	return &result
}
