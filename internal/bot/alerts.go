package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"coinpulse/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"
)

type messageSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type AlertRecorder interface {
	RecordAlert(channel string, err error)
}

// AlertDispatcher broadcasts high-confidence signals to subscribed chats.
// With no sender it only logs.
type AlertDispatcher struct {
	sender  messageSender
	metrics AlertRecorder
	logger  zerolog.Logger

	mu          sync.RWMutex
	subscribers map[int64]struct{}
}

func NewAlertDispatcher(sender messageSender, metrics AlertRecorder) *AlertDispatcher {
	return &AlertDispatcher{
		sender:      sender,
		metrics:     metrics,
		logger:      log.With().Str("component", "alerts").Logger(),
		subscribers: make(map[int64]struct{}),
	}
}

func (d *AlertDispatcher) Subscribe(chatID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.subscribers[chatID]; exists {
		return false
	}
	d.subscribers[chatID] = struct{}{}
	return true
}

func (d *AlertDispatcher) Unsubscribe(chatID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.subscribers[chatID]; !exists {
		return false
	}
	delete(d.subscribers, chatID)
	return true
}

func (d *AlertDispatcher) IsSubscribed(chatID int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, exists := d.subscribers[chatID]
	return exists
}

func (d *AlertDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// Notify has the reconciler alert hook signature.
func (d *AlertDispatcher) Notify(ctx context.Context, sig domain.Signal) {
	d.logger.Info().
		Str("coin", sig.CoinID).
		Str("decision", string(sig.Decision)).
		Float64("confidence", sig.Confidence).
		Msg("high confidence signal")
	if err := d.NotifySignals(ctx, []domain.Signal{sig}); err != nil {
		d.logger.Warn().Err(err).Str("coin", sig.CoinID).Msg("alert delivery failed")
	}
}

// NotifySignals sends one message per subscriber. Once ctx is done the
// remaining chats are reported as failed.
func (d *AlertDispatcher) NotifySignals(ctx context.Context, signals []domain.Signal) error {
	if d == nil || d.sender == nil || len(signals) == 0 {
		return nil
	}

	chatIDs := d.snapshotSubscribers()
	if len(chatIDs) == 0 {
		return nil
	}

	msg := formatAlertMessage(signals)
	var failures []string
	for i, chatID := range chatIDs {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Sprintf("%d chats: %v", len(chatIDs)-i, err))
			break
		}
		_, err := d.sender.Send(&tele.Chat{ID: chatID}, msg)
		if d.metrics != nil {
			d.metrics.RecordAlert("telegram", err)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("chat %d: %v", chatID, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("failed sending %d alerts: %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}

func (d *AlertDispatcher) snapshotSubscribers() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	chatIDs := make([]int64, 0, len(d.subscribers))
	for chatID := range d.subscribers {
		chatIDs = append(chatIDs, chatID)
	}
	sort.Slice(chatIDs, func(i, j int) bool { return chatIDs[i] < chatIDs[j] })
	return chatIDs
}

func parseAlertMode(args []string) (string, error) {
	if len(args) == 0 {
		return "status", nil
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "on":
		return "on", nil
	case "off":
		return "off", nil
	case "status":
		return "status", nil
	default:
		return "", fmt.Errorf("invalid mode")
	}
}

func formatAlertMessage(signals []domain.Signal) string {
	lines := make([]string, 0, len(signals)+1)
	lines = append(lines, "High confidence signal:")
	for _, s := range signals {
		lines = append(lines, formatSignal(s))
	}
	return strings.Join(lines, "\n")
}
