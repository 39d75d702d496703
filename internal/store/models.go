// Package store provides the relational persistence layer shared with the
// REST collaborator: task claiming, status transitions, result rows, and
// real-time metric rows.
package store

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Kind distinguishes the two task families and their table sets.
type Kind string

const (
	KindLLM     Kind = "llm"
	KindGeneric Kind = "generic"
)

// Status is the task lifecycle state persisted in the status column.
type Status string

const (
	StatusPending        Status = "pending"
	StatusCreated        Status = "created"
	StatusLocked         Status = "locked"
	StatusRunning        Status = "running"
	StatusStopping       Status = "stopping"
	StatusStopped        Status = "stopped"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusFailedRequests Status = "failed_requests"
)

// Terminal reports whether the status is sticky.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusFailed, StatusFailedRequests:
		return true
	}
	return false
}

// statusRank orders the lifecycle graph; transitions must be monotone.
var statusRank = map[Status]int{
	StatusPending:  0,
	StatusCreated:  1,
	StatusLocked:   2,
	StatusRunning:  3,
	StatusStopping: 4,
	StatusStopped:  5, StatusCompleted: 5, StatusFailed: 5, StatusFailedRequests: 5,
}

// validTransition reports whether moving from -> to respects the graph.
// UpdateStatus enforces the same rule in SQL; this is the documentation of
// record for the graph and backs the table test.
func validTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	rf, okf := statusRank[from]
	rt, okt := statusRank[to]
	return okf && okt && rt > rf
}

// KV is one header or cookie pair as serialized by the console.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// CertConfig points at the client certificate material for mTLS targets.
// CertFile may hold a combined PEM bundle, in which case KeyFile is empty.
type CertConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	Insecure bool   `json:"insecure"`
}

// Task is one row of the tasks or common_tasks table.
type Task struct {
	ID        string
	Kind      Kind
	Name      string
	CreatedBy string
	Status    Status

	TargetHost string
	APIPath    string
	Method     string
	Headers    []KV
	Cookies    []KV
	CertConfig *CertConfig

	// LLM-only fields.
	APIType        string
	Model          string
	StreamMode     bool
	ChatType       int
	RequestPayload string
	FieldMapping   string

	DatasetPath string

	ConcurrentUsers int
	SpawnRate       int
	Duration        int
	WarmupEnabled   bool
	WarmupDuration  int

	// Stepped profile (generic tasks).
	LoadMode            string
	StepStartUsers      int
	StepIncrement       int
	StepDuration        int
	StepMaxUsers        int
	StepSustainDuration int

	LockedBy     string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HeaderMap flattens the header list for request construction.
func (t *Task) HeaderMap() map[string]string {
	out := make(map[string]string, len(t.Headers))
	for _, kv := range t.Headers {
		out[kv.Key] = kv.Value
	}
	return out
}

// decodeKVs accepts both the console's [{key,value}] list form and a plain
// JSON object form.
func decodeKVs(raw string) ([]KV, error) {
	if raw == "" {
		return nil, nil
	}
	var list []KV
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, nil
	}
	var obj map[string]string
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("decode header/cookie list: %w", err)
	}
	out := make([]KV, 0, len(obj))
	for k, v := range obj {
		out = append(out, KV{Key: k, Value: v})
	}
	return out, nil
}
