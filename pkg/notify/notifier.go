// Package notify publishes post-commit events for asynchronous workers.
// Events are emitted after the database transaction commits, so delivery is
// at-least-once and consumers must treat them as hints to poll the store.
package notify

import (
	"context"
	"sync"
)

// DocumentEvent announces a newly ingested document whose original bytes are
// in the blob store and whose lines have not been parsed yet.
type DocumentEvent struct {
	DocID      string `json:"docId"`
	Name       string `json:"name"`
	Extension  string `json:"extension"`
	ObjectPath string `json:"objectPath"`
}

// ImageEvent announces an image caption row that entered the pending state.
type ImageEvent struct {
	LineID     string `json:"lineId"`
	DocID      string `json:"docId"`
	Filename   string `json:"filename"`
	Extension  string `json:"extension"`
	ObjectPath string `json:"objectPath"`
}

// AutotagEvent announces an autotag task transition.
type AutotagEvent struct {
	TaskID string `json:"taskId"`
	DocID  string `json:"docId"`
	Status string `json:"status"`
}

// Notifier delivers events to whatever transport backs the worker fleet.
type Notifier interface {
	PublishDocument(ctx context.Context, ev DocumentEvent) error
	PublishImage(ctx context.Context, ev ImageEvent) error
	PublishAutotag(ctx context.Context, ev AutotagEvent) error
	Close() error
}

// MemoryNotifier records events in-process. Used by tests and as a no-op
// fallback when no transport is configured.
type MemoryNotifier struct {
	mu        sync.Mutex
	documents []DocumentEvent
	images    []ImageEvent
	autotags  []AutotagEvent
}

func NewMemoryNotifier() *MemoryNotifier { return &MemoryNotifier{} }

func (m *MemoryNotifier) PublishDocument(_ context.Context, ev DocumentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents = append(m.documents, ev)
	return nil
}

func (m *MemoryNotifier) PublishImage(_ context.Context, ev ImageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, ev)
	return nil
}

func (m *MemoryNotifier) PublishAutotag(_ context.Context, ev AutotagEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autotags = append(m.autotags, ev)
	return nil
}

func (m *MemoryNotifier) Close() error { return nil }

// DocumentEvents returns a copy of the recorded document events.
func (m *MemoryNotifier) DocumentEvents() []DocumentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DocumentEvent, len(m.documents))
	copy(out, m.documents)
	return out
}

// ImageEvents returns a copy of the recorded image events.
func (m *MemoryNotifier) ImageEvents() []ImageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ImageEvent, len(m.images))
	copy(out, m.images)
	return out
}

// AutotagEvents returns a copy of the recorded autotag events.
func (m *MemoryNotifier) AutotagEvents() []AutotagEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AutotagEvent, len(m.autotags))
	copy(out, m.autotags)
	return out
}
