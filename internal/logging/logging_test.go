package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupWriterJSON(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")

	log.Info().Msg("hidden")
	log.Warn().Str("coin", "bitcoin").Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"coin":"bitcoin"`) || !strings.Contains(out, `"service":"coinpulse"`) {
		t.Fatalf("unexpected json output: %s", out)
	}
}

func TestSetupWriterUnknownLevelDefaultsToInfo(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	SetupWriter(&buf, "loud", "console")

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", zerolog.GlobalLevel())
	}
	log.Info().Msg("console line")
	if out := buf.String(); !strings.Contains(out, "console line") || strings.HasPrefix(out, "{") {
		t.Fatalf("expected console formatted output, got %s", out)
	}
}
