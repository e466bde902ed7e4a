package report

import (
	"sync"
	"sync/atomic"

	"github.com/psantana5/safeinit/pkg/guard"
	"github.com/psantana5/safeinit/pkg/logging"
)

// Recorder turns guard outcomes into Results. It keeps the latest result
// and an incident log, and counts outcomes for quick summaries.
type Recorder struct {
	incidents *IncidentLog
	logger    *logging.Logger

	total     atomic.Uint64
	incidentN atomic.Uint64

	mu   sync.RWMutex
	last *Result
}

var _ guard.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder keeping the last size incidents.
func NewRecorder(size int, l *logging.Logger) *Recorder {
	return &Recorder{incidents: NewIncidentLog(size), logger: l}
}

// Observe implements guard.Observer.
func (r *Recorder) Observe(o guard.Outcome) {
	res := NewResult(o)
	r.total.Add(1)
	if res.Incident() {
		r.incidentN.Add(1)
	}
	r.incidents.Record(res)

	r.mu.Lock()
	r.last = res
	r.mu.Unlock()

	res.LogSummary(r.logger)
}

// Last returns the most recent result, or nil.
func (r *Recorder) Last() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Incidents returns the incident log.
func (r *Recorder) Incidents() *IncidentLog {
	return r.incidents
}

// Snapshot returns counter values.
func (r *Recorder) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"invocations": r.total.Load(),
		"incidents":   r.incidentN.Load(),
	}
}
