package handler

import (
	"net/http"
	"strings"

	"coinpulse/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// GetSignals returns the latest signal of every coin, optionally filtered
// by decision.
func (h *Handler) GetSignals(c *gin.Context) {
	if h.signalService == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal service unavailable"})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-signals")
	defer span.End()

	signals := h.signalService.ListSignals(ctx)
	if raw := strings.TrimSpace(c.Query("decision")); raw != "" {
		decision, ok := domain.ParseDecision(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be one of Buy, Sell, Hold"})
			return
		}
		span.SetAttributes(attribute.String("decision", string(decision)))
		filtered := signals[:0]
		for _, sig := range signals {
			if sig.Decision == decision {
				filtered = append(filtered, sig)
			}
		}
		signals = filtered
	}

	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (h *Handler) GetSignal(c *gin.Context) {
	if h.signalService == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal service unavailable"})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-signal")
	defer span.End()

	id := strings.ToLower(strings.TrimSpace(c.Param("id")))
	span.SetAttributes(attribute.String("coin", id))

	sig, ok := h.signalService.GetSignal(ctx, id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no signal for " + id})
		return
	}
	c.JSON(http.StatusOK, sig)
}

// RefreshSignal regenerates one coin's signal. When market data is
// unavailable the previous signal, if any, is returned alongside the error.
func (h *Handler) RefreshSignal(c *gin.Context) {
	if h.signalService == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal service unavailable"})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.refresh-signal")
	defer span.End()

	id := strings.ToLower(strings.TrimSpace(c.Param("id")))
	span.SetAttributes(attribute.String("coin", id))

	sig, err := h.signalService.RefreshCoin(ctx, id)
	if err != nil {
		span.RecordError(err)
		body := gin.H{"error": err.Error()}
		if domain.IsUnavailable(err) {
			if kept, ok := h.signalService.GetSignal(ctx, id); ok {
				body["signal"] = kept
			}
		}
		c.JSON(statusFor(err), body)
		return
	}
	c.JSON(http.StatusOK, sig)
}
