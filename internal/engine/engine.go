// Package engine derives gate definitions from historical check-in data and
// manages the autonomous lifecycle of the gates it creates.
//
// Derivation runs in two stages: preview (side-effect-free clustering and
// scoring) and execute (preview plus persistence, idempotent per run token).
// Persisted gates then move through learning, optimizing, and active states
// driven by recorded decision outcomes, with every mutation paired to one
// audit decision event.
package engine

import (
	"context"
	"fmt"

	"github.com/bandpass-data/gatesense/internal/config"
	"github.com/bandpass-data/gatesense/internal/timeutil"
)

// Engine wires the derivation pipeline and lifecycle manager to a Store.
// Safe for concurrent use.
type Engine struct {
	store Store
	cfg   *config.EngineConfig
	clock timeutil.Clock
	runs  *runRegistry
}

// New creates an Engine. A nil cfg uses the embedded defaults; a nil clock
// uses the real clock.
func New(store Store, cfg *config.EngineConfig, clock timeutil.Clock) *Engine {
	if cfg == nil {
		cfg = config.MustLoadDefaultConfig()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Engine{
		store: store,
		cfg:   cfg,
		clock: clock,
		runs:  newRunRegistry(),
	}
}

// Config returns the engine's tuning configuration.
func (e *Engine) Config() *config.EngineConfig {
	return e.cfg
}

// AssessQuality rates whether the event's check-in history can support gate
// derivation. Read-only; callable at any time.
func (e *Engine) AssessQuality(ctx context.Context, eventID int64) (*QualityReport, error) {
	venue, err := e.store.VenueForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	checkins, err := e.store.ListCheckinsForEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load check-ins for event %d: %w", eventID, err)
	}
	return assessQuality(eventID, checkins, venue, e.cfg, e.clock.Now().UTC()), nil
}

// thresholdsFor resolves the event's adaptive thresholds, falling back to
// config defaults when the event has never drifted.
func (e *Engine) thresholdsFor(ctx context.Context, eventID int64) (*AdaptiveThresholds, error) {
	th, err := e.store.ThresholdsForEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load thresholds for event %d: %w", eventID, err)
	}
	if th == nil {
		th = DefaultThresholds(eventID, e.cfg, e.clock.Now().UTC())
	}
	return th, nil
}
