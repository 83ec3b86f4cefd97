package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coinpulse/internal/domain"
	"coinpulse/internal/service"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"
)

const commandTimeout = 15 * time.Second

type SignalQuerier interface {
	GetSignal(ctx context.Context, id string) (domain.Signal, bool)
	ListSignals(ctx context.Context) []domain.Signal
	RefreshCoin(ctx context.Context, id string) (domain.Signal, error)
	Coins() []string
}

// StartTelegramBot starts long polling and returns the alert dispatcher
// bound to the bot. It returns nil when token is empty.
func StartTelegramBot(token string, signals SignalQuerier, metrics AlertRecorder) *AlertDispatcher {
	if token == "" {
		log.Info().Msg("TELEGRAM_BOT_TOKEN not set, skipping Telegram bot startup")
		return nil
	}
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}
	b, err := tele.NewBot(pref)
	if err != nil {
		log.Error().Err(err).Msg("failed to create Telegram bot")
		return nil
	}
	alerts := NewAlertDispatcher(b, metrics)

	b.Handle("/ping", func(c tele.Context) error {
		return c.Send("pong")
	})

	b.Handle("/signal", func(c tele.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return c.Send(signalReply(ctx, signals, c.Args()))
	})

	b.Handle("/signals", func(c tele.Context) error {
		return c.Send(signalsReply(context.Background(), signals))
	})

	b.Handle("/alerts", func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return c.Send("Unable to detect chat")
		}
		return c.Send(alertsReply(alerts, chat.ID, c.Args()))
	})

	log.Info().Msg("Telegram bot started")
	go b.Start()
	return alerts
}

// signalReply shows the stored signal for a coin, generating one first
// when none exists yet.
func signalReply(ctx context.Context, signals SignalQuerier, args []string) string {
	if signals == nil {
		return "Signal service unavailable"
	}
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return fmt.Sprintf("Usage: /signal bitcoin\nTracked: %s", strings.Join(signals.Coins(), ", "))
	}
	id := strings.ToLower(strings.TrimSpace(args[0]))

	if sig, ok := signals.GetSignal(ctx, id); ok {
		return formatSignalDetail(sig)
	}
	sig, err := signals.RefreshCoin(ctx, id)
	switch {
	case err == nil:
		return formatSignalDetail(sig)
	case errors.Is(err, service.ErrUnknownCoin):
		return fmt.Sprintf("Unknown coin: %s\nTracked: %s", id, strings.Join(signals.Coins(), ", "))
	case errors.Is(err, domain.ErrInsufficientData):
		return fmt.Sprintf("Not enough price history for %s yet.", id)
	case domain.IsUnavailable(err):
		return fmt.Sprintf("Market data for %s is unavailable right now, try again later.", id)
	default:
		return fmt.Sprintf("Error generating signal for %s: %v", id, err)
	}
}

func signalsReply(ctx context.Context, signals SignalQuerier) string {
	if signals == nil {
		return "Signal service unavailable"
	}
	list := signals.ListSignals(ctx)
	if len(list) == 0 {
		return "No signals yet."
	}
	lines := make([]string, 0, len(list)+1)
	lines = append(lines, "Latest signals:")
	for _, s := range list {
		lines = append(lines, formatSignal(s))
	}
	return strings.Join(lines, "\n")
}

func alertsReply(alerts *AlertDispatcher, chatID int64, args []string) string {
	mode, err := parseAlertMode(args)
	if err != nil {
		return "Usage: /alerts on | /alerts off | /alerts status"
	}

	switch mode {
	case "on":
		if alerts.Subscribe(chatID) {
			return "High confidence alerts enabled for this chat."
		}
		return "High confidence alerts are already enabled for this chat."
	case "off":
		if alerts.Unsubscribe(chatID) {
			return "High confidence alerts disabled for this chat."
		}
		return "High confidence alerts are already disabled for this chat."
	default:
		if alerts.IsSubscribed(chatID) {
			return "Alerts status: ON"
		}
		return "Alerts status: OFF"
	}
}

func formatSignal(s domain.Signal) string {
	return fmt.Sprintf(
		"%s %s confidence %.0f at $%.4g (%s, %s)",
		s.Symbol,
		strings.ToUpper(string(s.Decision)),
		s.Confidence,
		s.EntryPrice,
		s.Source,
		s.GeneratedAt.UTC().Format(time.RFC822),
	)
}

func formatSignalDetail(s domain.Signal) string {
	lines := []string{
		formatSignal(s),
		fmt.Sprintf("Pump %.0f%% / Dump %.0f%%", s.PumpProbability*100, s.DumpProbability*100),
		fmt.Sprintf("Stop loss $%.4g, take profit $%.4g", s.StopLoss, s.TakeProfit),
	}
	if s.Explanation != "" {
		lines = append(lines, s.Explanation)
	}
	return strings.Join(lines, "\n")
}
