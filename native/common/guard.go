package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView exposes the circuit-breaker state of one or more modules.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails fast with ErrModulePaused when the module is paused. A nil view or
// empty module name never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
