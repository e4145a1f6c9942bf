package logging

import (
	"sync"
	"time"
)

// Metrics tracks adapter API calls, relationship outcomes and simulation steps
type Metrics struct {
	StartTime     time.Time                      `json:"start_time"`
	EndTime       time.Time                      `json:"end_time"`
	Duration      string                         `json:"duration"`
	APICalls      map[string]APICallMetrics      `json:"api_calls"`
	Relationships map[string]RelationshipMetrics `json:"relationships"`
	Steps         map[string]StepMetrics         `json:"steps"`
	Operations    map[string]OperationMetrics    `json:"operations"`
	TotalAPICalls int                            `json:"total_api_calls"`
	TotalSuccess  int                            `json:"total_success"`
	TotalFailures int                            `json:"total_failures"`
	mu            sync.RWMutex
}

// APICallMetrics tracks metrics for a specific API call
type APICallMetrics struct {
	Count       int      `json:"count"`
	Success     int      `json:"success"`
	Failures    int      `json:"failures"`
	SuccessRate float64  `json:"success_rate"`
	Errors      []string `json:"errors,omitempty"`
}

// RelationshipMetrics tracks edge creation outcomes for one relationship kind
type RelationshipMetrics struct {
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// StepMetrics tracks simulation steps for one action kind
type StepMetrics struct {
	Applied  int      `json:"applied"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// OperationMetrics tracks metrics for high-level operations
type OperationMetrics struct {
	Duration       time.Duration `json:"duration"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	ItemsProcessed int           `json:"items_processed"`
	ItemsFound     int           `json:"items_found"`
}

// Relationship outcomes accepted by RecordRelationship
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance (singleton)
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			StartTime:     time.Now(),
			APICalls:      make(map[string]APICallMetrics),
			Relationships: make(map[string]RelationshipMetrics),
			Steps:         make(map[string]StepMetrics),
			Operations:    make(map[string]OperationMetrics),
		}
	})
	return globalMetrics
}

// RecordAPICall records an API call with success/failure
func (m *Metrics) RecordAPICall(apiName string, success bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalAPICalls++
	if success {
		m.TotalSuccess++
	} else {
		m.TotalFailures++
	}

	metrics := m.APICalls[apiName]
	metrics.Count++
	if success {
		metrics.Success++
	} else {
		metrics.Failures++
		if err != nil && len(metrics.Errors) < 10 {
			metrics.Errors = append(metrics.Errors, err.Error())
		}
	}
	if metrics.Count > 0 {
		metrics.SuccessRate = float64(metrics.Success) / float64(metrics.Count) * 100
	}
	m.APICalls[apiName] = metrics
}

// RecordRelationship records the outcome of one edge creation attempt
func (m *Metrics) RecordRelationship(kind string, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.Relationships[kind]
	switch outcome {
	case OutcomeCreated:
		metrics.Created++
	case OutcomeDuplicate:
		metrics.Duplicates++
	case OutcomeRejected:
		metrics.Rejected++
	}
	m.Relationships[kind] = metrics
}

// RecordStep records a simulation step outcome
func (m *Metrics) RecordStep(action string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.Steps[action]
	if err == nil {
		metrics.Applied++
	} else {
		metrics.Rejected++
		if len(metrics.Errors) < 5 {
			metrics.Errors = append(metrics.Errors, err.Error())
		}
	}
	m.Steps[action] = metrics
}

// RecordOperation records a high-level operation
func (m *Metrics) RecordOperation(operationName string, duration time.Duration, success bool, itemsProcessed, itemsFound int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	opMetrics := OperationMetrics{
		Duration:       duration,
		Success:        success,
		ItemsProcessed: itemsProcessed,
		ItemsFound:     itemsFound,
	}
	if err != nil {
		opMetrics.Error = err.Error()
	}
	m.Operations[operationName] = opMetrics
}

// Operation returns the last record of a high-level operation
func (m *Metrics) Operation(name string) (OperationMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.Operations[name]
	return op, ok
}

// Snapshot returns a copy of the relationship and step counters, stamped with
// the current end time and duration
func (m *Metrics) Snapshot() (map[string]RelationshipMetrics, map[string]StepMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EndTime = time.Now()
	m.Duration = m.EndTime.Sub(m.StartTime).String()

	rels := make(map[string]RelationshipMetrics, len(m.Relationships))
	for k, v := range m.Relationships {
		rels[k] = v
	}
	steps := make(map[string]StepMetrics, len(m.Steps))
	for k, v := range m.Steps {
		steps[k] = v
	}
	return rels, steps
}
