package replay

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScenarioLookup(t *testing.T) {
	sc, err := Get("calm")
	require.NoError(t, err)
	assert.Equal(t, "calm", sc.Name)
	assert.Equal(t, "pair_arb", sc.Strategy)

	_, err = Get("sideways")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	names := Names()
	assert.Equal(t, []string{"calm", "crash", "thin_book", "volatile", "whipsaw"}, names)
	assert.Len(t, All(), len(names))
}

func TestScenarioDefaults(t *testing.T) {
	sc := Scenario{Name: "custom"}.withDefaults()
	assert.Equal(t, 1, sc.Markets)
	assert.Equal(t, "pair_arb", sc.Strategy)
	assert.Equal(t, 5*time.Second, sc.Step)
}

func TestRunnerSmoke(t *testing.T) {
	sc, err := Get("calm")
	require.NoError(t, err)
	sc.Path.Ticks = 40

	runner := NewRunner(Config{}, discardLogger())
	report, err := runner.Run(context.Background(), sc)
	require.NoError(t, err)

	assert.Equal(t, "calm", report.Scenario)
	assert.Equal(t, "pair_arb", report.Strategy)
	assert.Equal(t, 40, report.Ticks)
	assert.Contains(t, report.RunID, "calm-")
	require.Len(t, report.Markets, 1)

	mr := report.Markets[0]
	assert.Equal(t, "sim-calm-1", mr.MarketID)
	assert.True(t, mr.Outcome.Valid())
	assert.GreaterOrEqual(t, mr.FinalUp, 0.05)
	assert.LessOrEqual(t, mr.FinalUp, 0.95)
	assert.GreaterOrEqual(t, mr.FinalDown, 0.05)
	assert.LessOrEqual(t, mr.FinalDown, 0.95)

	assert.InDelta(t, 1000, report.Account.StartingUSD, 1e-9)
	assert.InDelta(t, report.Account.StartingUSD+report.Account.NetPnL, report.Account.CashUSD, 1e-6)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestRunnerMultiMarketScenario(t *testing.T) {
	sc, err := Get("thin_book")
	require.NoError(t, err)
	sc.Path.Ticks = 60

	runner := NewRunner(Config{StartingUSD: 500}, discardLogger())
	report, err := runner.Run(context.Background(), sc)
	require.NoError(t, err)

	require.Len(t, report.Markets, 2)
	assert.NotEqual(t, report.Markets[0].MarketID, report.Markets[1].MarketID)
	assert.InDelta(t, 500, report.Account.StartingUSD, 1e-9)

	var fills, rejections int64
	for _, mr := range report.Markets {
		fills += mr.Fills
		rejections += mr.Rejections
	}
	assert.Equal(t, report.Fills, fills)
	assert.Equal(t, report.Rejections, rejections)
}

func TestRunnerUnknownStrategy(t *testing.T) {
	sc := Scenario{Name: "bad", Strategy: "momentum", Markets: 1}
	sc.Path.Ticks = 5

	runner := NewRunner(Config{}, discardLogger())
	_, err := runner.Run(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "momentum")
}

func TestRunnerStopsOnCancelledContext(t *testing.T) {
	sc, err := Get("calm")
	require.NoError(t, err)
	sc.Path.Ticks = 1000
	sc.Pace = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(Config{}, discardLogger())
	_, err = runner.Run(ctx, sc)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
