package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/executor"
)

// Executor is the part of executor.Service the HTTP API uses
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (executor.Result, error)
	Languages() []string
	Available() bool
}

// ExecuteRequest is the body of POST /code/execute
type ExecuteRequest struct {
	Code     *string `json:"code" binding:"required"`
	Language string  `json:"language" binding:"required"`
	Stdin    *string `json:"stdin"`
}

// LanguagesResponse is the body of GET /code/languages
type LanguagesResponse struct {
	Languages []string `json:"languages"`
}

const unavailableDetail = "Docker service is not available"

type handler struct {
	logger   *zap.Logger
	executor Executor
}

// NewRouter builds the gin engine serving the API. gatherer backs /metrics.
func NewRouter(logger *zap.Logger, exec Executor, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), Recovery(logger), AccessLog(logger))

	h := &handler{logger: logger, executor: exec}

	code := router.Group("/code")
	code.POST("/execute", h.execute)
	code.GET("/languages", h.languages)

	router.GET("/healthz", h.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return router
}

func (h *handler) execute(c *gin.Context) {
	var body ExecuteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	req := executor.Request{
		Code:     *body.Code,
		Language: strings.ToLower(strings.TrimSpace(body.Language)),
		Stdin:    body.Stdin,
	}

	result, err := h.executor.Execute(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, executor.ErrUnsupportedLanguage):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	case errors.Is(err, executor.ErrSubstrateUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": unavailableDetail})
	default:
		h.logger.Error("unexpected execution error",
			zap.String("request_id", c.GetString(requestIDKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
	}
}

func (h *handler) languages(c *gin.Context) {
	if !h.executor.Available() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": unavailableDetail})
		return
	}
	c.JSON(http.StatusOK, LanguagesResponse{Languages: h.executor.Languages()})
}

func (h *handler) healthz(c *gin.Context) {
	status := "ok"
	if !h.executor.Available() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "substrate_available": h.executor.Available()})
}
