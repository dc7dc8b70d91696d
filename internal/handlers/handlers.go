package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/tremor-api/internal/apperr"
	"github.com/example/tremor-api/internal/auth"
	"github.com/example/tremor-api/internal/logging"
	"github.com/example/tremor-api/internal/model"
	"github.com/example/tremor-api/internal/storage"
	"github.com/example/tremor-api/internal/usecase"
)

// ModelStatus reports the lifecycle state of the model session.
type ModelStatus interface {
	State() model.State
}

// Dependencies are the use cases served over HTTP.
type Dependencies struct {
	Inference  *usecase.InferenceUseCase
	Records    *usecase.RecordUseCase
	Auth       *auth.Service
	Model      ModelStatus
	UploadsDir string
	Logger     *zap.Logger
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	logger := deps.Logger.Named("http")
	h := &handler{deps: deps, logger: logger}

	router.GET("/health", h.health)
	router.POST("/infer", auth.OptionalJWTMiddleware(deps.Auth.Tokens()), h.infer)

	authGroup := router.Group("/auth")
	authGroup.POST("/signup", h.signup)
	authGroup.POST("/login", h.login)

	tests := router.Group("/tests", auth.JWTMiddleware(deps.Auth.Tokens()))
	tests.POST("", h.saveTest)
	tests.GET("", h.listTests)
	tests.GET("/summary", h.summary)

	router.Static("/"+storage.URLPrefix, deps.UploadsDir)
}

type handler struct {
	deps   Dependencies
	logger *zap.Logger
}

func (h *handler) health(c *gin.Context) {
	state := h.deps.Model.State()
	if state != model.Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "model": state.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "model": state.String()})
}

func (h *handler) infer(c *gin.Context) {
	data, err := readImage(c)
	if err != nil {
		h.writeError(c, "handlers.infer", err)
		return
	}
	age, err := usecase.ParseAge(c.PostForm("age"))
	if err != nil {
		h.writeError(c, "handlers.infer", err)
		return
	}
	hand, err := usecase.ParseDominantHand(c.PostForm("dominant_hand"))
	if err != nil {
		h.writeError(c, "handlers.infer", err)
		return
	}

	req := usecase.InferenceRequest{
		Image:        data,
		SensorCSV:    c.PostForm("sensor_csv"),
		Age:          age,
		DominantHand: hand,
	}
	if userID, ok := auth.GetUserID(c.Request.Context()); ok {
		req.UserID = userID
	}

	resp, err := h.deps.Inference.Infer(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "handlers.infer", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) signup(c *gin.Context) {
	var body credentialsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	session, err := h.deps.Auth.Signup(c.Request.Context(), body.Email, body.Password, body.Name)
	if err != nil {
		h.writeError(c, "handlers.signup", err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *handler) login(c *gin.Context) {
	var body credentialsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	session, err := h.deps.Auth.Login(c.Request.Context(), body.Email, body.Password)
	if err != nil {
		h.writeError(c, "handlers.login", err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *handler) saveTest(c *gin.Context) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		h.writeError(c, "handlers.save_test", apperr.ErrUnauthorized)
		return
	}

	data, err := readImage(c)
	if err != nil {
		h.writeError(c, "handlers.save_test", err)
		return
	}
	age, err := usecase.ParseAge(c.PostForm("age"))
	if err != nil {
		h.writeError(c, "handlers.save_test", err)
		return
	}
	hand, err := usecase.ParseDominantHand(c.PostForm("dominant_hand"))
	if err != nil {
		h.writeError(c, "handlers.save_test", err)
		return
	}

	view, err := h.deps.Records.SaveRecord(c.Request.Context(), userID, usecase.SaveRecordInput{
		Image:        data,
		SensorCSV:    c.PostForm("sensor_csv"),
		Age:          age,
		DominantHand: hand,
		Result:       usecase.ParseResult(c.PostForm("result")),
	})
	if err != nil {
		h.writeError(c, "handlers.save_test", err)
		return
	}
	view.ImageURL = storage.ResolveURL(baseURL(c), view.ImagePath)
	c.JSON(http.StatusCreated, gin.H{"ok": true, "id": view.ID, "record": view})
}

func (h *handler) listTests(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	records, err := h.deps.Records.ListRecords(c.Request.Context(), userID, baseURL(c))
	if err != nil {
		h.writeError(c, "handlers.list_tests", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *handler) summary(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	summary, err := h.deps.Records.GetMetricsSummary(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "handlers.summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) writeError(c *gin.Context, operation string, err error) {
	status := apperr.HTTPStatus(err)
	opLogger := logging.WithOperation(h.logger, operation, logging.RequestIDFrom(c.Request.Context()))
	if status >= http.StatusInternalServerError {
		opLogger.Error("request failed", zap.Error(err), zap.Int("status", status))
	} else {
		opLogger.Debug("request rejected", zap.Error(err), zap.Int("status", status))
	}
	c.JSON(status, gin.H{"error": apperr.PublicMessage(err)})
}

// baseURL is the scheme and host the client used to reach this server.
func baseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host
}
