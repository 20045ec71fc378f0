package core

import (
	"sync"
	"time"
)

// Metrics tracks submission and completion counters.
type Metrics struct {
	mu          sync.RWMutex
	submitted   int64
	publishErrs int64
	completed   int64
	waitTime    time.Duration
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) RecordSubmission() {
	m.mu.Lock()
	m.submitted++
	m.mu.Unlock()
}

func (m *Metrics) RecordPublishError() {
	m.mu.Lock()
	m.publishErrs++
	m.mu.Unlock()
}

func (m *Metrics) RecordCompletion(waited time.Duration) {
	m.mu.Lock()
	m.completed++
	m.waitTime += waited
	m.mu.Unlock()
}

// Stats returns submissions, publish errors, completions and cumulative wait
// time.
func (m *Metrics) Stats() (int64, int64, int64, time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.submitted, m.publishErrs, m.completed, m.waitTime
}
