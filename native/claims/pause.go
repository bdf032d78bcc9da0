package claims

import (
	"context"
	"fmt"

	"claimengine/core/events"
	"claimengine/native/common"
)

// ModuleName is the circuit-breaker scope of the claim path.
const ModuleName = "claims"

// circuitBreaker holds the pause flag. Only the claim path consults it.
type circuitBreaker struct{}

func (circuitBreaker) paused(tx *txStore) (bool, error) {
	var paused bool
	if _, err := tx.get(pausedKey, &paused); err != nil {
		return false, err
	}
	return paused, nil
}

func (circuitBreaker) set(tx *txStore, paused bool) error {
	return tx.put(pausedKey, paused)
}

var _ common.PauseView = (*Engine)(nil)

// IsPaused implements common.PauseView. A state that cannot be read is treated
// as paused.
func (e *Engine) IsPaused(module string) bool {
	if module != ModuleName {
		return false
	}
	paused, err := e.breaker.paused(newTx(e.db))
	if err != nil {
		e.logger.Error("read pause state", "error", err)
		return true
	}
	return paused
}

// Paused reports the circuit-breaker state of the claim path.
func (e *Engine) Paused() bool {
	return e.IsPaused(ModuleName)
}

func (e *Engine) checkActive() error {
	if err := common.Guard(e, ModuleName); err != nil {
		return ErrPaused
	}
	return nil
}

// Pause halts the claim path. Administration stays available.
func (e *Engine) Pause(ctx context.Context, caller [20]byte) error {
	return e.setPaused(ctx, caller, true)
}

// Unpause resumes the claim path.
func (e *Engine) Unpause(ctx context.Context, caller [20]byte) error {
	return e.setPaused(ctx, caller, false)
}

func (e *Engine) setPaused(ctx context.Context, caller [20]byte, paused bool) error {
	operation := "unpause"
	if paused {
		operation = "pause"
	}
	err := e.admin(ctx, operation, func(_ context.Context, tx *txStore) (events.Event, error) {
		if _, err := e.owner.require(tx, caller); err != nil {
			return nil, err
		}
		current, err := e.breaker.paused(tx)
		if err != nil {
			return nil, err
		}
		if current == paused {
			return nil, fmt.Errorf("%w: already %sd", ErrInvalidState, operation)
		}
		if err := e.breaker.set(tx, paused); err != nil {
			return nil, err
		}
		return events.PauseChanged{Paused: paused, By: caller}, nil
	})
	if err == nil {
		e.metrics.SetPaused(paused)
	}
	return err
}
