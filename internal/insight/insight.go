// Package insight turns a day's energy balance into a short coaching note through a pluggable
// text generator.
package insight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/observability"
)

const (
	maxInsightTokens = 160
	statusMarker     = "STATUS: "
)

// TextGenerator produces text for a prompt.
type TextGenerator interface {
	Name() string
	GenerateText(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Settings selects and configures the backend.
type Settings struct {
	APIKey   string
	ModelURL string
	Timeout  time.Duration
}

// New returns the Gemini generator when an API key is configured and the deterministic fallback
// otherwise. The choice is made once here.
func New(settings Settings, logger logrus.FieldLogger) TextGenerator {
	if strings.TrimSpace(settings.APIKey) == "" || strings.TrimSpace(settings.ModelURL) == "" {
		if logger != nil {
			logger.Info("no text generation credentials configured; using fallback insights")
		}
		return FallbackGenerator{}
	}
	return NewGeminiGenerator(settings.APIKey, settings.ModelURL, settings.Timeout)
}

// FallbackGenerator answers from a fixed table keyed by the balance status line in the prompt.
type FallbackGenerator struct{}

// Name implements TextGenerator.
func (FallbackGenerator) Name() string { return "fallback" }

// GenerateText implements TextGenerator.
func (FallbackGenerator) GenerateText(_ context.Context, prompt string, _ int) (string, error) {
	for _, line := range strings.Split(prompt, "\n") {
		if status, ok := strings.CutPrefix(strings.TrimSpace(line), statusMarker); ok {
			return cannedNote(domain.BalanceStatus(strings.TrimSpace(status))), nil
		}
	}
	return "Keep logging meals and syncing your devices to get daily feedback.", nil
}

func cannedNote(status domain.BalanceStatus) string {
	switch status {
	case domain.BalanceStatusBalanced:
		return "Your intake matched your energy expenditure today. Keep the same routine."
	case domain.BalanceStatusSlightImbalance:
		return "Your intake was slightly off your expenditure today. A small portion or activity adjustment will even it out."
	case domain.BalanceStatusSignificantImbalance:
		return "Your intake was far from your expenditure today. Review your meals and activity before tomorrow."
	default:
		return "Keep logging meals and syncing your devices to get daily feedback."
	}
}

// BalanceSource computes a day's balance.
type BalanceSource interface {
	Compute(ctx context.Context, ownerID string, date time.Time) (*domain.DailyBalance, error)
}

// Insight is a coaching note for one day.
type Insight struct {
	Date    time.Time
	Balance *domain.DailyBalance
	Message string
	Backend string
}

// Advisor combines the balance calculator with a text generator.
type Advisor struct {
	balances  BalanceSource
	generator TextGenerator
	logger    logrus.FieldLogger
}

// NewAdvisor constructs an Advisor.
func NewAdvisor(balances BalanceSource, generator TextGenerator, logger logrus.FieldLogger) *Advisor {
	if logger == nil {
		quiet := logrus.New()
		quiet.SetLevel(logrus.PanicLevel)
		logger = quiet
	}
	return &Advisor{balances: balances, generator: generator, logger: logger}
}

// BalanceInsight returns a note for the owner's balance on date. Generator failures fall back to
// the canned note for the status; only balance lookup errors are returned.
func (a *Advisor) BalanceInsight(ctx context.Context, ownerID string, date time.Time) (Insight, error) {
	day := domain.CalendarDate(date)
	balance, err := a.balances.Compute(ctx, ownerID, day)
	if err != nil {
		return Insight{}, err
	}

	result := Insight{Date: day, Balance: balance, Backend: a.generator.Name()}
	if balance == nil {
		result.Message = "No activity data has been synced for this day yet."
		return result, nil
	}

	text, err := a.generator.GenerateText(ctx, prompt(*balance), maxInsightTokens)
	if err != nil || strings.TrimSpace(text) == "" {
		observability.InsightRequestsTotal.WithLabelValues(a.generator.Name(), "fallback").Inc()
		a.logger.WithError(err).WithField("owner_id", ownerID).Warn("insight generation failed; using canned note")
		result.Message = cannedNote(balance.Status)
		result.Backend = FallbackGenerator{}.Name()
		return result, nil
	}
	observability.InsightRequestsTotal.WithLabelValues(a.generator.Name(), "success").Inc()
	result.Message = text
	return result, nil
}

func prompt(b domain.DailyBalance) string {
	var sb strings.Builder
	sb.WriteString("You are a nutrition coach. In at most two sentences, give practical feedback on this day's energy balance.\n")
	fmt.Fprintf(&sb, "DATE: %s\n", b.Date.Format(domain.DateLayout))
	fmt.Fprintf(&sb, "CALORIES IN: %d\n", b.CaloriesIn)
	fmt.Fprintf(&sb, "CALORIES OUT: %d\n", b.CaloriesOut)
	fmt.Fprintf(&sb, "BALANCE: %+d (%d%%)\n", b.Balance, b.BalancePercent)
	sb.WriteString(statusMarker + string(b.Status) + "\n")
	return sb.String()
}
