// Package suppress runs diagnostic steps that must never take the caller
// down with them.
//
// If the wrapper crashes, the handler result MUST still be returned.
// If we are unsure, DO LESS.
package suppress

import (
	"fmt"

	"github.com/psantana5/safeinit/pkg/logging"
)

// Run calls fn and recovers any panic, logging it under step. It reports
// whether fn completed normally.
func Run(l *logging.Logger, step string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			logging.OrDefault(l).Error("Suppressed exception in "+step, map[string]interface{}{
				"step":  step,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	fn()
	return true
}

// Value calls fn and returns its result, or def when fn panics.
func Value[T any](l *logging.Logger, step string, def T, fn func() T) T {
	out := def
	Run(l, step, func() { out = fn() })
	return out
}
