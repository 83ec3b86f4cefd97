package handler

import (
	"context"
	"errors"
	"net/http"

	"coinpulse/internal/domain"
	"coinpulse/internal/fetch"
	"coinpulse/internal/service"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

type Handler struct {
	tracer        trace.Tracer
	signalService *service.SignalService
	conn          fetch.Connectivity
	metrics       http.Handler
}

// New builds the HTTP handlers. conn and metrics are optional.
func New(
	tracer trace.Tracer,
	signalService *service.SignalService,
	conn fetch.Connectivity,
	metrics http.Handler,
) *Handler {
	return &Handler{
		tracer:        tracer,
		signalService: signalService,
		conn:          conn,
		metrics:       metrics,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := r.Group("/api")
	api.GET("/coins", h.GetCoins)
	api.GET("/coins/:id/indicators", h.GetIndicators)
	api.GET("/signals", h.GetSignals)
	api.GET("/signals/:id", h.GetSignal)
	api.POST("/signals/:id/refresh", h.RefreshSignal)
	api.GET("/sentiment", h.GetSentiment)
}

func (h *Handler) Health(c *gin.Context) {
	online := true
	if h.conn != nil {
		online = h.conn.Online()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": online})
}

// statusFor maps service errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownCoin):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case domain.IsUnavailable(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
