package mocks

import (
	"context"
	"sync"

	"github.com/solenlabs/chatvault/internal/domain"
)

// MockEventLog is a mock implementation of domain.EventLog for testing.
type MockEventLog struct {
	mu            sync.Mutex
	Appended      []domain.EventRecord
	ReplayRecords []domain.EventRecord
	Checkpoints   [][]domain.EventRecord
	Closed        bool
	AppendErr     error
	ReplayErr     error
	CheckpointErr error
}

func (m *MockEventLog) Append(ctx context.Context, record domain.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.Appended = append(m.Appended, record)
	return nil
}

func (m *MockEventLog) Replay(ctx context.Context, handler func(record domain.EventRecord) error) error {
	m.mu.Lock()
	records := make([]domain.EventRecord, len(m.ReplayRecords))
	copy(records, m.ReplayRecords)
	err := m.ReplayErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockEventLog) Checkpoint(ctx context.Context, survivors []domain.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CheckpointErr != nil {
		return m.CheckpointErr
	}
	kept := make([]domain.EventRecord, len(survivors))
	copy(kept, survivors)
	m.Checkpoints = append(m.Checkpoints, kept)
	return nil
}

func (m *MockEventLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// AppendedCount returns how many records have been appended so far.
func (m *MockEventLog) AppendedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Appended)
}

// MockMirror is a mock implementation of domain.ArtifactMirror for testing.
type MockMirror struct {
	mu        sync.Mutex
	Uploads   map[string][]byte
	MirrorErr error
}

func (m *MockMirror) Mirror(ctx context.Context, kind domain.ArtifactKind, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MirrorErr != nil {
		return m.MirrorErr
	}
	if m.Uploads == nil {
		m.Uploads = make(map[string][]byte)
	}
	m.Uploads[name] = append([]byte(nil), data...)
	return nil
}

// UploadNames returns the final names of every mirrored artifact.
func (m *MockMirror) UploadNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.Uploads))
	for name := range m.Uploads {
		names = append(names, name)
	}
	return names
}
