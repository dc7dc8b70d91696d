package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/tremor-api/internal/apperr"
	"github.com/example/tremor-api/internal/decision"
	"github.com/example/tremor-api/internal/logging"
	"github.com/example/tremor-api/internal/model"
	"github.com/example/tremor-api/internal/preprocess"
	"github.com/example/tremor-api/internal/sensor"
)

const (
	rawOutputLimit = 100
	resultCacheTTL = 10 * time.Minute
)

// ModelRunner is the narrow read-only view of the model session handlers get.
type ModelRunner interface {
	Ready() bool
	Describe() model.Descriptor
	Run(ctx context.Context, input []float32) ([]float32, error)
}

// Preprocessor converts raw image bytes into a model tensor.
type Preprocessor interface {
	Preprocess(raw []byte) (*preprocess.Tensor, error)
	Mode() preprocess.Mode
}

// Recorder persists inference outcomes for authenticated callers.
type Recorder interface {
	SaveRecord(ctx context.Context, userID string, in SaveRecordInput) (*RecordView, error)
}

// InferenceRequest is one decoded inference call.
type InferenceRequest struct {
	Image        []byte
	SensorCSV    string
	Age          *int
	DominantHand *string
	// UserID, when set, saves the sample and result to that user's history.
	UserID string
}

// ModelMeta is diagnostic information about the tensors involved.
type ModelMeta struct {
	InputName  string  `json:"inputName"`
	OutputName string  `json:"outputName"`
	InputShape []int64 `json:"inputShape"`
}

// InferenceResponse is returned to the caller of the inference endpoint.
type InferenceResponse struct {
	*decision.InferenceResult
	RawOutput []float32 `json:"rawOutput"`
	ModelMeta ModelMeta `json:"modelMeta"`
	Cached    bool      `json:"cached,omitempty"`
	RecordID  string    `json:"recordId,omitempty"`
}

type cachedInference struct {
	Result    decision.InferenceResult `json:"result"`
	RawOutput []float32                `json:"raw_output"`
}

// InferenceUseCase turns uploaded drawings into decisions.
type InferenceUseCase struct {
	cacheRetry
	preprocessor Preprocessor
	runner       ModelRunner
	policy       decision.Policy
	cache        Cache
	recorder     Recorder
	logger       *zap.Logger
}

// NewInferenceUseCase constructs the pipeline. cache and recorder may be nil.
func NewInferenceUseCase(preprocessor Preprocessor, runner ModelRunner, policy decision.Policy, cache Cache, recorder Recorder, logger *zap.Logger) *InferenceUseCase {
	logger = logger.Named("inference_usecase")
	return &InferenceUseCase{
		cacheRetry:   defaultCacheRetry(logger),
		preprocessor: preprocessor,
		runner:       runner,
		policy:       policy,
		cache:        cache,
		recorder:     recorder,
		logger:       logger,
	}
}

// Infer classifies one drawing.
func (uc *InferenceUseCase) Infer(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	requestID := logging.RequestIDFrom(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	opLogger := logging.WithUser(logging.WithOperation(uc.logger, "usecase.infer", requestID), req.UserID)

	if len(req.Image) == 0 {
		return nil, fmt.Errorf("image file required as multipart form-data field \"image\": %w", apperr.ErrValidation)
	}
	if !uc.runner.Ready() {
		return nil, apperr.ErrModelNotReady
	}

	desc := uc.runner.Describe()
	meta := ModelMeta{InputName: desc.InputName, OutputName: desc.PrimaryOutput(), InputShape: desc.InputShape}
	cacheKey := uc.cacheKey(req.Image)

	var (
		result    *decision.InferenceResult
		rawOutput []float32
		cached    bool
	)
	if hit, ok := uc.lookup(ctx, requestID, cacheKey); ok {
		result, rawOutput, cached = &hit.Result, hit.RawOutput, true
	} else {
		tensor, err := uc.preprocessor.Preprocess(req.Image)
		if err != nil {
			if errors.Is(err, apperr.ErrShape) {
				opLogger.Error("preprocessing produced a malformed tensor", zap.Error(err))
			}
			return nil, logging.NewOperationError("usecase.preprocess", requestID, err)
		}

		output, err := uc.runner.Run(ctx, tensor.Data)
		if err != nil {
			if errors.Is(err, apperr.ErrShape) || !apperr.IsClientError(err) {
				opLogger.Error("model run failed", zap.Error(err), zap.Int64s("input_shape", tensor.Shape))
			}
			return nil, logging.NewOperationError("usecase.run_model", requestID, err)
		}

		result, err = uc.policy.Decide(output)
		if err != nil {
			opLogger.Error("model output rejected", zap.Error(err), zap.Int("output_len", len(output)))
			return nil, logging.NewOperationError("usecase.decide", requestID, err)
		}
		rawOutput = output
		if len(rawOutput) > rawOutputLimit {
			rawOutput = rawOutput[:rawOutputLimit]
		}
		uc.store(ctx, requestID, cacheKey, cachedInference{Result: *result, RawOutput: rawOutput})
	}

	final := *result
	final.SensorSummary = sensor.Summarize(req.SensorCSV)

	resp := &InferenceResponse{
		InferenceResult: &final,
		RawOutput:       rawOutput,
		ModelMeta:       meta,
		Cached:          cached,
	}

	if req.UserID != "" && uc.recorder != nil {
		view, err := uc.recorder.SaveRecord(ctx, req.UserID, SaveRecordInput{
			Image:        req.Image,
			SensorCSV:    req.SensorCSV,
			Age:          req.Age,
			DominantHand: req.DominantHand,
			Result:       &final,
		})
		if err != nil {
			opLogger.Warn("failed to save inference to history", zap.Error(err))
		} else {
			resp.RecordID = view.ID
		}
	}

	opLogger.Info("inference complete",
		zap.String("decision", final.Decision),
		zap.Float64("score", final.Score),
		zap.Bool("cached", cached),
	)
	return resp, nil
}

func (uc *InferenceUseCase) cacheKey(image []byte) string {
	sum := sha1.Sum(image)
	return fmt.Sprintf("inference:%s:%s", uc.preprocessor.Mode(), hex.EncodeToString(sum[:]))
}

func (uc *InferenceUseCase) lookup(ctx context.Context, requestID, key string) (*cachedInference, bool) {
	if uc.cache == nil {
		return nil, false
	}
	var raw string
	err := uc.withRedisRetry(ctx, requestID, "cache.get.inference", func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			logging.WithOperation(uc.logger, "usecase.infer", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var hit cachedInference
	if err := json.Unmarshal([]byte(raw), &hit); err != nil {
		logging.WithOperation(uc.logger, "usecase.infer", requestID).Warn("failed to decode cached result", zap.Error(err))
		return nil, false
	}
	return &hit, true
}

func (uc *InferenceUseCase) store(ctx context.Context, requestID, key string, entry cachedInference) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.inference", func() error {
		return uc.cache.Set(ctx, key, string(serialized), resultCacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.infer", requestID).Warn("failed to cache inference result", zap.Error(err))
	}
}
