package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/market"
	"github.com/coinpulse/alertfeed/market/types"
)

const defaultSweepInterval = 5 * time.Second

var (
	sweepCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertfeed_alert_sweeps_total",
		Help: "Completed alert sweep passes.",
	})
	triggerCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertfeed_alert_triggers_total",
		Help: "Alert trigger events emitted to users.",
	})
	skipCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertfeed_alert_skips_total",
		Help: "Alerts skipped during a sweep, by reason.",
	}, []string{"reason"})
)

type (
	// Notifier is the push-fabric surface the engine needs: deliver one
	// trigger payload to every live session of a user.
	Notifier interface {
		PushAlertTriggered(userID int64, payload TriggerPayload)
	}

	// Engine sweeps active price alerts against live prices and fires each
	// one at most once. It owns only transient per-sweep state; the durable
	// record lives in the Store.
	Engine struct {
		logger   zerolog.Logger
		store    Store
		resolver *market.Resolver
		notifier Notifier
		interval time.Duration

		kick chan struct{}

		mtx      sync.Mutex
		inflight map[int64]struct{}
		lastSeen map[int64]float64
	}
)

// NewEngine creates an alert engine sweeping at the given interval; a
// non-positive interval falls back to the default.
func NewEngine(
	logger zerolog.Logger,
	store Store,
	resolver *market.Resolver,
	notifier Notifier,
	interval time.Duration,
) *Engine {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Engine{
		logger:   logger.With().Str("module", "alert-engine").Logger(),
		store:    store,
		resolver: resolver,
		notifier: notifier,
		interval: interval,
		kick:     make(chan struct{}, 1),
		inflight: make(map[int64]struct{}),
		lastSeen: make(map[int64]float64),
	}
}

// CheckNow schedules an immediate sweep on top of the periodic cadence. The
// kick is coalescing; a pending kick absorbs further ones.
func (e *Engine) CheckNow() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives the sweep loop until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", e.interval).Msg("alert sweep loop started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("alert sweep loop stopped")
			return
		case <-ticker.C:
			e.sweep(ctx)
		case <-e.kick:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	alerts, err := e.store.ListActive(ctx)
	if err != nil {
		e.logger.Err(err).Msg("failed to load active alerts")
		return
	}

	for i := range alerts {
		if ctx.Err() != nil {
			return
		}
		e.processAlert(ctx, &alerts[i])
	}
	sweepCounter.Inc()
}

// processAlert evaluates one alert against its own exchange. Overlapping
// sweeps serialize per alert through the in-flight set; the entry is dropped
// on every exit path so a database failure retries next sweep.
func (e *Engine) processAlert(ctx context.Context, a *Alert) {
	e.mtx.Lock()
	if _, busy := e.inflight[a.ID]; busy {
		e.mtx.Unlock()
		return
	}
	e.inflight[a.ID] = struct{}{}
	e.mtx.Unlock()

	defer func() {
		e.mtx.Lock()
		delete(e.inflight, a.ID)
		e.mtx.Unlock()
	}()

	if !a.InitialPrice.Valid || !types.PositiveFinite(a.InitialPrice.Float64) {
		skipCounter.WithLabelValues("no_initial_price").Inc()
		return
	}
	symbol := a.Symbol()
	if symbol == "" {
		skipCounter.WithLabelValues("no_symbol").Inc()
		return
	}

	result := e.resolver.Resolve(ctx, a.Exchange, a.Market, symbol)
	if !result.Resolved {
		skipCounter.WithLabelValues(result.Reason).Inc()
		e.logger.Debug().
			Int64("alert", a.ID).
			Str("symbol", symbol).
			Str("reason", result.Reason).
			Msg("price unresolved, skipping tick")
		return
	}

	condition := DeriveCondition(a.InitialPrice.Float64, a.TargetValue)
	previous := e.previousObserved(a.ID, a.InitialPrice.Float64)

	if !hasReached(previous, result.Price, a.TargetValue, condition) {
		e.mtx.Lock()
		e.lastSeen[a.ID] = result.Price
		e.mtx.Unlock()
		return
	}

	consumed, err := e.store.Consume(ctx, a.ID)
	if err != nil {
		e.logger.Err(err).Int64("alert", a.ID).Msg("failed to consume alert")
		return
	}
	if !consumed {
		// lost the race against a concurrent sweep
		e.clearRuntimeState(a.ID)
		return
	}

	base, _ := types.SplitQuote(result.Symbol)
	payload := TriggerPayload{
		ID:           uuid.NewString(),
		AlertID:      a.ID,
		Name:         a.Name,
		Description:  a.Description,
		Triggered:    true,
		TriggeredAt:  time.Now().UTC(),
		CurrentPrice: result.Price,
		TargetValue:  a.TargetValue,
		Condition:    condition,
		Symbol:       result.Symbol,
		Coin:         base,
		AlertType:    "price",
		InitialPrice: a.InitialPrice.Float64,
	}

	triggerCounter.Inc()
	e.logger.Info().
		Int64("alert", a.ID).
		Str("symbol", result.Symbol).
		Float64("price", result.Price).
		Str("condition", string(condition)).
		Msg("alert triggered")
	e.notifier.PushAlertTriggered(a.UserID, payload)
	e.clearRuntimeState(a.ID)
}

func (e *Engine) previousObserved(alertID int64, initialPrice float64) float64 {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if previous, ok := e.lastSeen[alertID]; ok {
		return previous
	}
	return initialPrice
}

func (e *Engine) clearRuntimeState(alertID int64) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	delete(e.lastSeen, alertID)
}
