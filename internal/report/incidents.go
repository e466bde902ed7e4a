package report

import (
	"encoding/json"
	"sync"
)

// IncidentLog maintains a ring buffer of recent failed and timed out
// invocations (last N).
type IncidentLog struct {
	samples []Result
	maxSize int
	mu      sync.RWMutex
}

// NewIncidentLog creates an incident log with fixed size
func NewIncidentLog(maxSize int) *IncidentLog {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &IncidentLog{
		samples: make([]Result, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds r when it is an incident. Successful results are ignored.
func (v *IncidentLog) Record(r *Result) {
	if r == nil || !r.Incident() {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Ring buffer: if full, drop oldest
	if len(v.samples) >= v.maxSize {
		v.samples = v.samples[1:]
	}
	v.samples = append(v.samples, *r)
}

// GetRecent returns up to n incidents, newest first. n <= 0 returns all.
func (v *IncidentLog) GetRecent(n int) []Result {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if n <= 0 || n > len(v.samples) {
		n = len(v.samples)
	}
	result := make([]Result, n)
	for i := 0; i < n; i++ {
		result[i] = v.samples[len(v.samples)-1-i]
	}
	return result
}

// Count returns the number of incidents held.
func (v *IncidentLog) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.samples)
}

// JSON renders up to n recent incidents as a JSON array.
func (v *IncidentLog) JSON(n int) ([]byte, error) {
	return json.Marshal(v.GetRecent(n))
}
