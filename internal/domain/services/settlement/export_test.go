package settlement

import "time"

// SetClock replaces the time source of an engine and its dispatcher.
func SetClock(e *Engine, d *Dispatcher, now func() time.Time) {
	e.now = now
	d.now = now
}
