// Package recorder mirrors pipeline state into human-facing session records.
// Every write is best-effort: implementations log failures and return
// nothing, so the pipeline can never be aborted by a recording problem.
package recorder

import (
	"context"
	"sync"
)

type QueuedSession struct {
	SessionKey    string
	RequesterID   string
	WalletAddress string
	EmailDomain   string
	JobID         string
	QueuePosition int
	QueueLength   int
}

type Artifacts struct {
	ProofBlobID string
	ElfBlobID   string
	CLICommand  string
	ProofSize   int
	ElfSize     int
}

type Recorder interface {
	SessionQueued(ctx context.Context, s QueuedSession)
	UpdateSession(ctx context.Context, sessionKey string, fields map[string]any)
	RecordEvent(ctx context.Context, sessionKey, eventType string, payload map[string]any)
	UpsertArtifacts(ctx context.Context, sessionKey string, a Artifacts)
}

// Noop is the recorder used when no persistence DSN is configured.
type Noop struct{}

func (Noop) SessionQueued(context.Context, QueuedSession)                {}
func (Noop) UpdateSession(context.Context, string, map[string]any)       {}
func (Noop) RecordEvent(context.Context, string, string, map[string]any) {}
func (Noop) UpsertArtifacts(context.Context, string, Artifacts)          {}

// Memory records every call for test assertions.
type Memory struct {
	mu        sync.Mutex
	Queued    []QueuedSession
	Updates   []SessionUpdate
	Events    []RecordedEvent
	Artifacts map[string]Artifacts
}

type SessionUpdate struct {
	SessionKey string
	Fields     map[string]any
}

type RecordedEvent struct {
	SessionKey string
	EventType  string
	Payload    map[string]any
}

func NewMemory() *Memory {
	return &Memory{Artifacts: make(map[string]Artifacts)}
}

func (m *Memory) SessionQueued(_ context.Context, s QueuedSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queued = append(m.Queued, s)
}

func (m *Memory) UpdateSession(_ context.Context, sessionKey string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Updates = append(m.Updates, SessionUpdate{SessionKey: sessionKey, Fields: fields})
}

func (m *Memory) RecordEvent(_ context.Context, sessionKey, eventType string, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, RecordedEvent{SessionKey: sessionKey, EventType: eventType, Payload: payload})
}

func (m *Memory) UpsertArtifacts(_ context.Context, sessionKey string, a Artifacts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Artifacts[sessionKey] = a
}

// EventTypes seen for a session key, in call order.
func (m *Memory) EventTypes(sessionKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.Events {
		if e.SessionKey == sessionKey {
			out = append(out, e.EventType)
		}
	}
	return out
}
