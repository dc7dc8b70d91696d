package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/tremor-api/internal/auth"
	"github.com/example/tremor-api/internal/decision"
	"github.com/example/tremor-api/internal/model"
	"github.com/example/tremor-api/internal/preprocess"
	"github.com/example/tremor-api/internal/repository"
	"github.com/example/tremor-api/internal/storage"
	"github.com/example/tremor-api/internal/usecase"
)

const testJWTSecret = "test-secret"

type fakeModel struct {
	state  model.State
	output []float32
	calls  int
}

func (f *fakeModel) State() model.State { return f.state }
func (f *fakeModel) Ready() bool        { return f.state == model.Ready }

func (f *fakeModel) Describe() model.Descriptor {
	return model.Descriptor{
		InputName:   "input",
		OutputNames: []string{"output"},
		InputShape:  []int64{1, preprocess.Channels, preprocess.Height, preprocess.Width},
	}
}

func (f *fakeModel) Run(ctx context.Context, input []float32) ([]float32, error) {
	f.calls++
	return f.output, nil
}

type testEnv struct {
	router     *gin.Engine
	model      *fakeModel
	tokens     *auth.TokenManager
	uploadsDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := repository.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "test.db"), gormlogger.Silent)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := repository.AutoMigrate(context.Background(), db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	uploadsDir := t.TempDir()
	store, err := storage.NewStore(uploadsDir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	tokens, err := auth.NewTokenManager(testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to create token manager: %v", err)
	}
	authService := auth.NewService(repository.NewUserRepository(db, logger), tokens, bcrypt.MinCost, logger)

	records := usecase.NewRecordUseCase(repository.NewRecordRepository(db, logger), store, logger)
	fake := &fakeModel{state: model.Ready, output: []float32{0.8}}
	inference := usecase.NewInferenceUseCase(
		preprocess.New(preprocess.ModeUnit, nil),
		fake,
		decision.NewPolicy(nil),
		nil,
		records,
		logger,
	)

	router := NewRouter(Dependencies{
		Inference:  inference,
		Records:    records,
		Auth:       authService,
		Model:      fake,
		UploadsDir: uploadsDir,
		Logger:     logger,
	}, []string{"*"})

	return &testEnv{router: router, model: fake, tokens: tokens, uploadsDir: uploadsDir}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func (e *testEnv) uploads(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(e.uploadsDir, "test_*"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	return matches
}

func (e *testEnv) signup(t *testing.T, email string) string {
	t.Helper()
	resp := e.do(jsonRequest(t, "/auth/signup", map[string]string{"email": email, "password": "hunter22", "name": "Tester"}))
	if resp.Code != http.StatusCreated {
		t.Fatalf("signup failed: %d %s", resp.Code, resp.Body.String())
	}
	var session struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &session)
	return session.Token
}

func TestHealthReflectsModelState(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected %s response header", RequestIDHeader)
	}

	env.model.state = model.Loading
	resp = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
}

func TestInferRejectsLargeUpload(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), nil)
	req := httptest.NewRequest(http.MethodPost, "/infer", body)
	req.Header.Set("Content-Type", contentType)

	resp := env.do(req)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if env.model.calls != 0 {
		t.Fatalf("model must not run for rejected uploads")
	}
}

func TestInferRejectsUnsupportedContentType(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"), nil)
	req := httptest.NewRequest(http.MethodPost, "/infer", body)
	req.Header.Set("Content-Type", contentType)

	resp := env.do(req)
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestInferRequiresImage(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := buildFieldsBody(t, map[string]string{"age": "40"})
	req := httptest.NewRequest(http.MethodPost, "/infer", body)
	req.Header.Set("Content-Type", contentType)

	resp := env.do(req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestInferRejectsUndecodableImage(t *testing.T) {
	env := newTestEnv(t)

	truncated := testPNG(t)[:40]
	body, contentType := buildMultipartBody(t, "image/png", truncated, nil)
	req := httptest.NewRequest(http.MethodPost, "/infer", body)
	req.Header.Set("Content-Type", contentType)

	resp := env.do(req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d: %s", http.StatusBadRequest, resp.Code, resp.Body.String())
	}
	if env.model.calls != 0 {
		t.Fatalf("model must not run on decode failure")
	}
}

func TestInferReturnsDecision(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := buildMultipartBody(t, "image/png", testPNG(t), map[string]string{
		"sensor_csv":    "t,x,y\n0,1,2\n1,2,3\n",
		"age":           "65",
		"dominant_hand": "Left",
	})
	req := httptest.NewRequest(http.MethodPost, "/infer", body)
	req.Header.Set("Content-Type", contentType)

	resp := env.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	var result struct {
		Decision      string    `json:"decision"`
		Score         float64   `json:"score"`
		RawOutput     []float32 `json:"rawOutput"`
		RecordID      string    `json:"recordId"`
		SensorSummary struct {
			Rows int `json:"rows"`
		} `json:"sensorSummary"`
		ModelMeta struct {
			InputShape []int64 `json:"inputShape"`
		} `json:"modelMeta"`
	}
	decodeBody(t, resp, &result)
	if result.Decision != decision.Positive {
		t.Fatalf("expected %q, got %q", decision.Positive, result.Decision)
	}
	if result.SensorSummary.Rows != 2 {
		t.Fatalf("expected 2 sensor rows, got %d", result.SensorSummary.Rows)
	}
	if len(result.ModelMeta.InputShape) != 4 {
		t.Fatalf("unexpected input shape %v", result.ModelMeta.InputShape)
	}
	if result.RecordID != "" {
		t.Fatalf("anonymous inference must not be saved")
	}
	if len(env.uploads(t)) != 0 {
		t.Fatalf("anonymous inference must not write uploads")
	}
}

func TestInferWithTokenSavesHistory(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "infer@example.com")

	body, contentType := buildMultipartBody(t, "image/png", testPNG(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/infer", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := env.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if len(env.uploads(t)) != 1 {
		t.Fatalf("expected the drawing to be stored")
	}

	list := env.do(authorized(httptest.NewRequest(http.MethodGet, "/tests", nil), token))
	var payload struct {
		Records []usecase.RecordView `json:"records"`
	}
	decodeBody(t, list, &payload)
	if len(payload.Records) != 1 || payload.Records[0].Result == nil {
		t.Fatalf("expected one record with a result, got %+v", payload.Records)
	}
}

func TestInferIgnoresInvalidToken(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := buildMultipartBody(t, "image/png", testPNG(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/infer", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer not-a-token")

	resp := env.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if len(env.uploads(t)) != 0 {
		t.Fatalf("invalid token must never cause a save")
	}
}

func TestInferModelNotReady(t *testing.T) {
	env := newTestEnv(t)
	env.model.state = model.Loading

	body, contentType := buildMultipartBody(t, "image/png", testPNG(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/infer", body)
	req.Header.Set("Content-Type", contentType)

	resp := env.do(req)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
}

func TestInferValidatesFields(t *testing.T) {
	env := newTestEnv(t)

	for _, fields := range []map[string]string{{"age": "-3"}, {"age": "old"}, {"dominant_hand": "both"}} {
		body, contentType := buildMultipartBody(t, "image/png", testPNG(t), fields)
		req := httptest.NewRequest(http.MethodPost, "/infer", body)
		req.Header.Set("Content-Type", contentType)

		resp := env.do(req)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("fields %v: expected status %d, got %d", fields, http.StatusBadRequest, resp.Code)
		}
	}
}

func TestSignupAndLogin(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "Person@Example.com")
	if _, err := env.tokens.Verify(token); err != nil {
		t.Fatalf("signup token must verify: %v", err)
	}

	resp := env.do(jsonRequest(t, "/auth/signup", map[string]string{"email": "person@example.com", "password": "other"}))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, resp.Code)
	}

	resp = env.do(jsonRequest(t, "/auth/login", map[string]string{"email": "PERSON@example.com", "password": "hunter22"}))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	var session struct {
		Token string `json:"token"`
		User  struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"user"`
	}
	decodeBody(t, resp, &session)
	if session.User.Email != "person@example.com" || session.User.Name != "Tester" || session.Token == "" {
		t.Fatalf("unexpected session %+v", session)
	}

	wrong := env.do(jsonRequest(t, "/auth/login", map[string]string{"email": "person@example.com", "password": "nope"}))
	unknown := env.do(jsonRequest(t, "/auth/login", map[string]string{"email": "ghost@example.com", "password": "nope"}))
	if wrong.Code != http.StatusUnauthorized || unknown.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for both failures, got %d and %d", wrong.Code, unknown.Code)
	}
	if wrong.Body.String() != unknown.Body.String() {
		t.Fatalf("login failures must be indistinguishable: %q vs %q", wrong.Body.String(), unknown.Body.String())
	}
}

func TestSignupRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	if resp := env.do(req); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}

	resp := env.do(jsonRequest(t, "/auth/signup", map[string]string{"email": "a@example.com"}))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestSaveTestWithoutTokenWritesNothing(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := buildMultipartBody(t, "image/png", testPNG(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/tests", body)
	req.Header.Set("Content-Type", contentType)

	resp := env.do(req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
	if len(env.uploads(t)) != 0 {
		t.Fatalf("unauthenticated save must not write files")
	}
}

func TestSaveAndListTestsPerUser(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signup(t, "alice@example.com")
	bob := env.signup(t, "bob@example.com")

	body, contentType := buildMultipartBody(t, "image/png", testPNG(t), map[string]string{
		"age":    "58",
		"result": `{"decision":"tremor","score":0.91}`,
	})
	req := authorized(httptest.NewRequest(http.MethodPost, "/tests", body), alice)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Host = "api.example.com"

	resp := env.do(req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, resp.Code, resp.Body.String())
	}
	var created struct {
		OK     bool               `json:"ok"`
		ID     string             `json:"id"`
		Record usecase.RecordView `json:"record"`
	}
	decodeBody(t, resp, &created)
	if !created.OK || created.ID == "" || created.ID != created.Record.ID {
		t.Fatalf("expected ok with matching top-level id, got %+v", created)
	}

	body, contentType = buildMultipartBody(t, "image/png", testPNG(t), map[string]string{"result": "{not json"})
	req = authorized(httptest.NewRequest(http.MethodPost, "/tests", body), alice)
	req.Header.Set("Content-Type", contentType)
	if resp := env.do(req); resp.Code != http.StatusCreated {
		t.Fatalf("malformed result must still save, got %d", resp.Code)
	}

	listReq := authorized(httptest.NewRequest(http.MethodGet, "/tests", nil), alice)
	listReq.Host = "api.example.com"
	var payload struct {
		Records []usecase.RecordView `json:"records"`
	}
	decodeBody(t, env.do(listReq), &payload)
	if len(payload.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(payload.Records))
	}
	if payload.Records[0].Result != nil {
		t.Fatalf("newest record has a malformed result and must store null")
	}
	older := payload.Records[1]
	if older.Result == nil || older.Result.Decision != "tremor" || older.Age == nil || *older.Age != 58 {
		t.Fatalf("unexpected older record %+v", older)
	}
	if !strings.HasPrefix(older.ImageURL, "http://api.example.com/uploads/test_") {
		t.Fatalf("unexpected image url %q", older.ImageURL)
	}

	imgResp := env.do(httptest.NewRequest(http.MethodGet, "/"+older.ImagePath, nil))
	if imgResp.Code != http.StatusOK {
		t.Fatalf("stored image must be served, got %d", imgResp.Code)
	}

	decodeBody(t, env.do(authorized(httptest.NewRequest(http.MethodGet, "/tests", nil), bob)), &payload)
	if len(payload.Records) != 0 {
		t.Fatalf("records leaked across users: %d", len(payload.Records))
	}

	var summary usecase.MetricsSummary
	decodeBody(t, env.do(authorized(httptest.NewRequest(http.MethodGet, "/tests/summary", nil), alice)), &summary)
	if summary.TotalTests != 2 || summary.PositiveTests != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestListTestsRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/tests", "/tests/summary"} {
		if resp := env.do(httptest.NewRequest(http.MethodGet, path, nil)); resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected status %d, got %d", path, http.StatusUnauthorized, resp.Code)
		}
	}
}

func TestRecoveryReturnsOpaqueError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), Recovery(zap.NewNop()))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	if strings.Contains(resp.Body.String(), "boom") {
		t.Fatalf("panic detail leaked: %s", resp.Body.String())
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")

	resp := env.do(req)
	if got := resp.Header().Get(RequestIDHeader); got != "req-42" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 10), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field %s: %v", name, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildFieldsBody(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field %s: %v", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func jsonRequest(t *testing.T, path string, payload any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func authorized(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", resp.Body.String(), err)
	}
}
