package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEngine() *Engine {
	return New(zap.NewNop(), 100)
}

func TestDefaultStrategyMapping(t *testing.T) {
	assert.Equal(t, StrategyCircuitBreaker, defaultStrategyFor(CategoryNetwork, SeverityCritical))
	assert.Equal(t, StrategyBackoff, defaultStrategyFor(CategoryNetwork, SeverityLow))
	assert.Equal(t, StrategyEscalate, defaultStrategyFor(CategoryAuth, SeverityLow))
	assert.Equal(t, StrategyDegrade, defaultStrategyFor(CategoryResource, SeverityLow))
	assert.Equal(t, StrategyIgnore, defaultStrategyFor(CategoryValidation, SeverityLow))
	assert.Equal(t, StrategyRetry, defaultStrategyFor(CategoryProtocol, SeverityLow))
	assert.Equal(t, StrategyRestart, defaultStrategyFor(CategoryInternal, SeverityCritical))
	assert.Equal(t, StrategyNotify, defaultStrategyFor(CategoryInternal, SeverityLow))
}

func TestRetryConfigDelayGrowsExponentially(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: time.Second, Jitter: false}
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 400*time.Millisecond, cfg.Delay(3))
}

func TestRetryConfigDelayCapsAtMax(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 300 * time.Millisecond, Jitter: false}
	assert.Equal(t, 300*time.Millisecond, cfg.Delay(5))
}

func TestHandleErrorRecordsHistoryAndStatistics(t *testing.T) {
	e := testEngine()
	e.RegisterRecoveryCallback(StrategyBackoff, func(RecordedError) bool { return true })

	re := e.HandleError(RecordedError{
		ErrorCode: "E_NET_RESET", Category: CategoryNetwork, Severity: SeverityLow, Message: "connection reset",
	})
	assert.True(t, re.Recovered)

	stats := e.GetStatistics()
	assert.Equal(t, uint64(1), stats.TotalErrors)
	assert.Equal(t, uint64(1), stats.RecoveredErrors)

	history := e.GetErrorHistory(HistoryFilter{})
	require.Len(t, history, 1)
	assert.Equal(t, "E_NET_RESET", history[0].ErrorCode)
}

func TestCodeStrategyOverridesDefault(t *testing.T) {
	e := testEngine()
	e.SetCodeStrategy("E_SPECIAL", StrategyCustom)
	called := false
	e.RegisterRecoveryCallback(StrategyCustom, func(RecordedError) bool { called = true; return true })

	e.HandleError(RecordedError{ErrorCode: "E_SPECIAL", Category: CategoryNetwork, Severity: SeverityLow})
	assert.True(t, called)
}

func TestExecuteWithCircuitBreakerTripsOpen(t *testing.T) {
	e := testEngine()
	cfg := CircuitConfig{FailureThreshold: 2, SuccessThreshold: 1, RetryTimeout: time.Hour}

	failingOp := func(ctx context.Context) error { return errors.New("boom") }
	_ = e.ExecuteWithCircuitBreaker("device1", &cfg, failingOp)
	_ = e.ExecuteWithCircuitBreaker("device1", &cfg, failingOp)

	assert.Equal(t, BreakerOpen, e.BreakerState("device1"))

	err := e.ExecuteWithCircuitBreaker("device1", &cfg, func(ctx context.Context) error { return nil })
	require.Error(t, err)
}

func TestExecuteWithRetrySucceedsAfterFailures(t *testing.T) {
	e := testEngine()
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: 10 * time.Millisecond,
		RetryableCategories: map[Category]bool{CategoryNetwork: true}}

	attempts := 0
	err := e.ExecuteWithRetry(context.Background(), "reconnect", cfg,
		func(error) Category { return CategoryNetwork },
		func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	stats := e.GetStatistics()
	assert.Equal(t, uint64(1), stats.SuccessfulRetries)
}

func TestExecuteWithRetryStopsOnNonRetryableCategory(t *testing.T) {
	e := testEngine()
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: 10 * time.Millisecond,
		RetryableCategories: map[Category]bool{CategoryNetwork: true}}

	attempts := 0
	err := e.ExecuteWithRetry(context.Background(), "validate", cfg,
		func(error) Category { return CategoryValidation },
		func(ctx context.Context) error { attempts++; return errors.New("bad payload") })

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestIsHealthyUnderErrorRateThreshold(t *testing.T) {
	e := testEngine()
	assert.True(t, e.IsHealthy())
}

func TestRevisitUnresolvedDropsPastMaxRetries(t *testing.T) {
	e := testEngine()
	e.HandleError(RecordedError{ErrorCode: "E_STUCK", Category: CategoryInternal, Severity: SeverityLow})

	e.revisitUnresolved(0)
	history := e.GetErrorHistory(HistoryFilter{})
	require.Len(t, history, 1)
	assert.True(t, history[0].Recovered)
}
