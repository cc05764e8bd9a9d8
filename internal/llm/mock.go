package llm

import (
	"context"
	"sync"

	"ragchat/internal/domain"
)

// MockClient permite tests sin llamar a un LLM real.
type MockClient struct {
	Response  string
	Err       error
	Fragments []string
	// StreamErrAt corta el stream con StreamErr al llegar a ese indice (si >= 0 y StreamErr != nil).
	StreamErrAt int
	StreamErr   error

	mu    sync.Mutex
	calls [][]domain.Turn
}

var _ ChatModel = (*MockClient)(nil)

func (m *MockClient) Generate(ctx context.Context, turns []domain.Turn) (string, error) {
	m.record(turns)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.Response, m.Err
}

func (m *MockClient) GenerateStream(ctx context.Context, turns []domain.Turn) (Stream, error) {
	m.record(turns)
	if m.Err != nil {
		return nil, m.Err
	}
	s := newSliceStream(ctx, m.Fragments)
	if m.StreamErr != nil {
		s.failAt = m.StreamErrAt
		s.err = m.StreamErr
	}
	return s, nil
}

// Calls devuelve una copia de los contextos recibidos.
func (m *MockClient) Calls() [][]domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]domain.Turn, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockClient) record(turns []domain.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]domain.Turn(nil), turns...))
}
