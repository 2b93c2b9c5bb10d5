// Package recovery implements Hydrogen's error-recovery engine (spec.md
// §4.8): a bounded error history, a per-name circuit breaker registry built
// on the real github.com/sony/gobreaker state machine, a backoff-based
// retry executor, and a strategy table mapping error category/code to a
// recovery action. Grounded on a CircuitBreaker-style statistics surface
// shape and a RetryManager-style backoff/jitter executor, both
// reimplemented against gobreaker instead of hand-rolled atomics since
// this module's go.mod already requires it.
package recovery

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Category classifies an error per spec.md's error record shape.
type Category string

const (
	CategoryNetwork    Category = "NETWORK"
	CategoryTimeout    Category = "TIMEOUT"
	CategoryAuth       Category = "AUTH"
	CategoryResource   Category = "RESOURCE"
	CategoryValidation Category = "VALIDATION"
	CategoryProtocol   Category = "PROTOCOL"
	CategoryInternal   Category = "INTERNAL"
)

// Severity mirrors spec.md's severity enum.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Strategy is a chosen recovery action for an error (spec.md §4.8.3).
type Strategy string

const (
	StrategyIgnore         Strategy = "IGNORE"
	StrategyRetry          Strategy = "RETRY"
	StrategyNotify         Strategy = "NOTIFY"
	StrategyRestartDevice  Strategy = "RESTART_DEVICE"
	StrategyFailover       Strategy = "FAILOVER"
	StrategyCustom         Strategy = "CUSTOM"
	StrategyCircuitBreaker Strategy = "CIRCUIT_BREAKER"
	StrategyBackoff        Strategy = "EXPONENTIAL_BACKOFF"
	StrategyEscalate       Strategy = "ESCALATE"
	StrategyDegrade        Strategy = "GRACEFUL_DEGRADATION"
	StrategyRestart        Strategy = "RESTART"
)

// RecordedError is one entry in the bounded error history.
type RecordedError struct {
	ErrorID    string
	ErrorCode  string
	Message    string
	Severity   Severity
	Category   Category
	Component  string
	Timestamp  time.Time
	Context    map[string]interface{}
	Recovered  bool
	RetryCount int
}

// defaultStrategyFor implements spec.md §4.8.3's default category mapping.
func defaultStrategyFor(cat Category, sev Severity) Strategy {
	switch cat {
	case CategoryNetwork, CategoryTimeout:
		if sev == SeverityHigh || sev == SeverityCritical {
			return StrategyCircuitBreaker
		}
		return StrategyBackoff
	case CategoryAuth:
		return StrategyEscalate
	case CategoryResource:
		return StrategyDegrade
	case CategoryValidation:
		return StrategyIgnore
	case CategoryProtocol:
		return StrategyRetry
	case CategoryInternal:
		if sev == SeverityCritical {
			return StrategyRestart
		}
		return StrategyNotify
	default:
		return StrategyNotify
	}
}

// RetryConfig configures executeWithRetry's backoff (spec.md §4.8.2).
type RetryConfig struct {
	MaxRetries         int
	InitialDelay       time.Duration
	BackoffMultiplier  float64
	MaxDelay           time.Duration
	RetryableCategories map[Category]bool
	Jitter             bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		Jitter:            true,
		RetryableCategories: map[Category]bool{
			CategoryNetwork: true, CategoryTimeout: true, CategoryProtocol: true,
		},
	}
}

// Delay implements spec.md §4.8.2: delay(attempt) = min(initialDelay *
// backoffMultiplier^(attempt-1), maxDelay), attempt 1 == initialDelay.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if max := float64(c.MaxDelay); c.MaxDelay > 0 && d > max {
		d = max
	}
	delay := time.Duration(d)
	if c.Jitter {
		jitterRange := float64(delay) * 0.1
		delay += time.Duration(rand.Float64()*jitterRange*2 - jitterRange)
		if delay < 0 {
			delay = c.InitialDelay
		}
	}
	return delay
}

// ShouldRetry implements spec.md §4.8.2.
func (c RetryConfig) ShouldRetry(cat Category, attempt int) bool {
	if attempt >= c.MaxRetries {
		return false
	}
	if c.RetryableCategories == nil {
		return true
	}
	return c.RetryableCategories[cat]
}

// CircuitConfig configures a named breaker (spec.md §4.8.1).
type CircuitConfig struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	RetryTimeout     time.Duration
}

func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{FailureThreshold: 5, SuccessThreshold: 2, RetryTimeout: 30 * time.Second}
}

// BreakerState mirrors spec.md's {CLOSED, OPEN, HALF_OPEN}.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

func fromGobreakerState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// namedBreaker wraps a gobreaker.CircuitBreaker with the spec's statistics
// surface (GetStatistics -> map[string]interface{}), the same shape a
// CircuitBreaker.GetStatistics method commonly exposes.
type namedBreaker struct {
	cb   *gobreaker.CircuitBreaker
	cfg  CircuitConfig
	trips uint64
	mu   sync.Mutex
}

func newNamedBreaker(name string, cfg CircuitConfig) *namedBreaker {
	nb := &namedBreaker{cfg: cfg}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0,
		Timeout:     cfg.RetryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				nb.mu.Lock()
				nb.trips++
				nb.mu.Unlock()
			}
		},
	}
	nb.cb = gobreaker.NewCircuitBreaker(settings)
	return nb
}

func (nb *namedBreaker) Execute(op func() (interface{}, error)) (interface{}, error) {
	return nb.cb.Execute(op)
}

func (nb *namedBreaker) State() BreakerState {
	return fromGobreakerState(nb.cb.State())
}

func (nb *namedBreaker) Statistics() map[string]interface{} {
	counts := nb.cb.Counts()
	nb.mu.Lock()
	trips := nb.trips
	nb.mu.Unlock()
	return map[string]interface{}{
		"state":                 string(nb.State()),
		"requests":              counts.Requests,
		"total_successes":       counts.TotalSuccesses,
		"total_failures":        counts.TotalFailures,
		"consecutive_successes": counts.ConsecutiveSuccesses,
		"consecutive_failures":  counts.ConsecutiveFailures,
		"trips":                 trips,
		"failure_threshold":     nb.cfg.FailureThreshold,
		"retry_timeout_seconds": nb.cfg.RetryTimeout.Seconds(),
	}
}

// Statistics is the engine-wide observability surface (spec.md §4.8.4).
type Statistics struct {
	TotalErrors         uint64
	RecoveredErrors     uint64
	CriticalErrors      uint64
	CircuitBreakerTrips uint64
	RetryAttempts       uint64
	SuccessfulRetries   uint64
}

// HistoryFilter narrows GetErrorHistory; zero values are "unset" (spec.md
// §7 flags the overloaded-sentinel pattern as a mistake to avoid, so every
// field is an explicit pointer rather than reusing a magic value).
type HistoryFilter struct {
	Category  *Category
	Component *string
	ErrorCode *string
}

func (f HistoryFilter) matches(e RecordedError) bool {
	if f.Category != nil && e.Category != *f.Category {
		return false
	}
	if f.Component != nil && e.Component != *f.Component {
		return false
	}
	if f.ErrorCode != nil && e.ErrorCode != *f.ErrorCode {
		return false
	}
	return true
}

// Engine is the error-recovery engine (spec.md §4.8.4).
type Engine struct {
	logger *zap.Logger

	historyMu sync.Mutex
	history   []RecordedError
	maxHist   int

	breakersMu sync.Mutex
	breakers   map[string]*namedBreaker

	rulesMu sync.Mutex
	codeRules map[string]Strategy

	errorCallbacksMu sync.Mutex
	errorCallbacks   map[string][]func(RecordedError)

	recoveryCallbacksMu sync.Mutex
	recoveryCallbacks   map[Strategy][]func(RecordedError) bool

	statsMu sync.Mutex
	stats   Statistics

	retryCfg RetryConfig
	cbCfg    CircuitConfig

	stopCh chan struct{}
}

// New builds an Engine with a bounded history of maxHistory entries (spec.md
// default 1000).
func New(logger *zap.Logger, maxHistory int) *Engine {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	e := &Engine{
		logger:         logger,
		maxHist:        maxHistory,
		breakers:       make(map[string]*namedBreaker),
		codeRules:      make(map[string]Strategy),
		errorCallbacks: make(map[string][]func(RecordedError)),
		recoveryCallbacks: make(map[Strategy][]func(RecordedError) bool),
		retryCfg:       DefaultRetryConfig(),
		cbCfg:          DefaultCircuitConfig(),
		stopCh:         make(chan struct{}),
	}
	return e
}

// RegisterErrorCallback registers cb to be invoked (in addition to the
// default strategy) whenever HandleError sees errorCode.
func (e *Engine) RegisterErrorCallback(errorCode string, cb func(RecordedError)) {
	e.errorCallbacksMu.Lock()
	defer e.errorCallbacksMu.Unlock()
	e.errorCallbacks[errorCode] = append(e.errorCallbacks[errorCode], cb)
}

// RegisterRecoveryCallback registers cb as the action executed when strategy
// is chosen; cb reports whether recovery succeeded.
func (e *Engine) RegisterRecoveryCallback(strategy Strategy, cb func(RecordedError) bool) {
	e.recoveryCallbacksMu.Lock()
	defer e.recoveryCallbacksMu.Unlock()
	e.recoveryCallbacks[strategy] = append(e.recoveryCallbacks[strategy], cb)
}

// SetCodeStrategy overrides the default category-based strategy for a
// specific error code.
func (e *Engine) SetCodeStrategy(errorCode string, strategy Strategy) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	e.codeRules[errorCode] = strategy
}

func (e *Engine) strategyFor(re RecordedError) Strategy {
	e.rulesMu.Lock()
	strategy, ok := e.codeRules[re.ErrorCode]
	e.rulesMu.Unlock()
	if ok {
		return strategy
	}
	return defaultStrategyFor(re.Category, re.Severity)
}

// HandleError records err, runs registered error callbacks, and executes
// the chosen recovery strategy (spec.md §4.8.4).
func (e *Engine) HandleError(re RecordedError) RecordedError {
	if re.Timestamp.IsZero() {
		re.Timestamp = time.Now()
	}
	re.ErrorID = e.record(re)

	e.errorCallbacksMu.Lock()
	cbs := append([]func(RecordedError){}, e.errorCallbacks[re.ErrorCode]...)
	e.errorCallbacksMu.Unlock()
	for _, cb := range cbs {
		cb(re)
	}

	strategy := e.strategyFor(re)
	recovered := e.executeStrategy(strategy, re)

	e.statsMu.Lock()
	e.stats.TotalErrors++
	if re.Severity == SeverityCritical {
		e.stats.CriticalErrors++
	}
	if recovered {
		e.stats.RecoveredErrors++
	}
	e.statsMu.Unlock()

	re.Recovered = recovered
	e.updateLastRecorded(re)
	return re
}

func (e *Engine) executeStrategy(strategy Strategy, re RecordedError) bool {
	e.recoveryCallbacksMu.Lock()
	cbs := append([]func(RecordedError) bool{}, e.recoveryCallbacks[strategy]...)
	e.recoveryCallbacksMu.Unlock()
	if len(cbs) == 0 {
		// No registered handler: IGNORE/NOTIFY strategies are inherently
		// non-recovering; anything else logs so an operator notices a gap.
		if strategy != StrategyIgnore && strategy != StrategyNotify {
			e.logger.Warn("no recovery callback registered for strategy",
				zap.String("strategy", string(strategy)), zap.String("errorCode", re.ErrorCode))
		}
		return false
	}
	ok := true
	for _, cb := range cbs {
		if !cb(re) {
			ok = false
		}
	}
	return ok
}

func (e *Engine) record(re RecordedError) string {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	if re.ErrorID == "" {
		re.ErrorID = fmt.Sprintf("%s-%d", re.ErrorCode, len(e.history))
	}
	e.history = append(e.history, re)
	if len(e.history) > e.maxHist {
		e.history = e.history[len(e.history)-e.maxHist:]
	}
	return re.ErrorID
}

func (e *Engine) updateLastRecorded(re RecordedError) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ErrorID == re.ErrorID {
			e.history[i] = re
			return
		}
	}
}

// GetErrorHistory returns every recorded error matching filter.
func (e *Engine) GetErrorHistory(filter HistoryFilter) []RecordedError {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	out := make([]RecordedError, 0, len(e.history))
	for _, re := range e.history {
		if filter.matches(re) {
			out = append(out, re)
		}
	}
	return out
}

// GetRecentErrors returns errors recorded within the last window.
func (e *Engine) GetRecentErrors(window time.Duration) []RecordedError {
	cutoff := time.Now().Add(-window)
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	out := make([]RecordedError, 0)
	for _, re := range e.history {
		if re.Timestamp.After(cutoff) {
			out = append(out, re)
		}
	}
	return out
}

// GetErrorRate returns errors-per-second over the trailing window.
func (e *Engine) GetErrorRate(window time.Duration) float64 {
	recent := e.GetRecentErrors(window)
	if window <= 0 {
		return 0
	}
	return float64(len(recent)) / window.Seconds()
}

// GetErrorCategoryCounts tallies history entries by category.
func (e *Engine) GetErrorCategoryCounts() map[Category]int {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	counts := make(map[Category]int)
	for _, re := range e.history {
		counts[re.Category]++
	}
	return counts
}

// GetStatistics returns the spec.md §4.8.4 statistics shape.
func (e *Engine) GetStatistics() Statistics {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// IsHealthy reports whether errorRate(5 min) < 0.1, per spec.md §4.8.4.
func (e *Engine) IsHealthy() bool {
	return e.GetErrorRate(5*time.Minute) < 0.1
}

// breaker returns the named circuit breaker, creating it with cfg (or the
// engine default) on first use.
func (e *Engine) breaker(name string, cfg *CircuitConfig) *namedBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	if nb, ok := e.breakers[name]; ok {
		return nb
	}
	use := e.cbCfg
	if cfg != nil {
		use = *cfg
	}
	nb := newNamedBreaker(name, use)
	e.breakers[name] = nb
	return nb
}

// ExecuteWithCircuitBreaker looks up or creates a named breaker and runs op
// through it (spec.md §4.8.4).
func (e *Engine) ExecuteWithCircuitBreaker(name string, cfg *CircuitConfig, op func(ctx context.Context) error) error {
	nb := e.breaker(name, cfg)
	_, err := nb.Execute(func() (interface{}, error) {
		return nil, op(context.Background())
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("recovery: circuit %q open: %w", name, err)
	}
	return err
}

// BreakerState reports the state of a named breaker (CLOSED if never used).
func (e *Engine) BreakerState(name string) BreakerState {
	e.breakersMu.Lock()
	nb, ok := e.breakers[name]
	e.breakersMu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return nb.State()
}

// BreakerStatistics returns GetStatistics for a named breaker.
func (e *Engine) BreakerStatistics(name string) map[string]interface{} {
	e.breakersMu.Lock()
	nb, ok := e.breakers[name]
	e.breakersMu.Unlock()
	if !ok {
		return nil
	}
	return nb.Statistics()
}

// ExecuteWithRetry runs op with backoff per cfg (spec.md §4.8.4), classifying
// failures into category via classify so ShouldRetry can consult it.
func (e *Engine) ExecuteWithRetry(ctx context.Context, name string, cfg RetryConfig, classify func(error) Category, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op(ctx)
		e.statsMu.Lock()
		e.stats.RetryAttempts++
		e.statsMu.Unlock()
		if err == nil {
			if attempt > 1 {
				e.statsMu.Lock()
				e.stats.SuccessfulRetries++
				e.statsMu.Unlock()
			}
			return nil
		}
		lastErr = err

		cat := CategoryInternal
		if classify != nil {
			cat = classify(err)
		}
		if !cfg.ShouldRetry(cat, attempt) {
			return err
		}

		delay := cfg.Delay(attempt)
		e.logger.Warn("operation failed, retrying",
			zap.String("operation", name), zap.Error(err),
			zap.Int("attempt", attempt), zap.Duration("nextRetryIn", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("recovery: retries exhausted for %s: %w", name, lastErr)
}

// StartRevisitWorker launches the background worker that revisits
// unresolved errors at a fixed cadence, bumping their retry count and
// dropping them past maxRetries with a NOTIFY log (spec.md §4.8.4).
func (e *Engine) StartRevisitWorker(interval time.Duration, maxRetries int) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.revisitUnresolved(maxRetries)
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background revisit worker.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
}

func (e *Engine) revisitUnresolved(maxRetries int) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	for i := range e.history {
		re := &e.history[i]
		if re.Recovered {
			continue
		}
		re.RetryCount++
		if re.RetryCount > maxRetries {
			e.logger.Info("dropping unresolved error past max retries",
				zap.String("errorId", re.ErrorID), zap.String("errorCode", re.ErrorCode),
				zap.Int("retryCount", re.RetryCount))
			re.Recovered = true // dropped, not re-examined again
		}
	}
}
