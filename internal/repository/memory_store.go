package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	pgvector "github.com/pgvector/pgvector-go"

	"ragchat/internal/domain"
)

// MemoryStore implementa Storage en memoria. Util para desarrollo y tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	messages map[string][]domain.Message
	docs     map[string]domain.RagDocument
	chunks   map[string][]domain.RagChunk
}

var _ Storage = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]domain.Session),
		messages: make(map[string][]domain.Message),
		docs:     make(map[string]domain.RagDocument),
		chunks:   make(map[string][]domain.RagChunk),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("%w: session %s already exists", domain.ErrConflict, session.ID)
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, userID, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.UserID != userID {
		return domain.Session{}, domain.ErrNotFound
	}
	return session, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, userID string) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Session, 0)
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CountSessions(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, session := range s.sessions {
		if session.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.UserID != userID {
		return domain.ErrNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *MemoryStore) DeleteAllSessions(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, session := range s.sessions {
		if session.UserID != userID {
			continue
		}
		delete(s.sessions, id)
		delete(s.messages, id)
		n++
	}
	return n, nil
}

func (s *MemoryStore) UpdateSessionFlags(_ context.Context, sessionID string, expectedVersion int64, state domain.FlagState) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	if session.FlagsVersion != expectedVersion {
		return domain.Session{}, fmt.Errorf("%w: flags version %d, expected %d", domain.ErrConflict, session.FlagsVersion, expectedVersion)
	}
	session.RagEnabled = state.RagEnabled
	session.StreamEnabled = state.StreamEnabled
	session.LastIdempotencyKey = state.LastIdempotencyKey
	session.UpdatedAt = state.UpdatedAt
	session.FlagsVersion++
	s.sessions[sessionID] = session
	return session, nil
}

func (s *MemoryStore) RenameSession(_ context.Context, sessionID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	session.Name = &name
	s.sessions[sessionID] = session
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, message domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[message.SessionID]; !ok {
		return domain.ErrNotFound
	}
	message.Sources = append([]domain.RagSource(nil), message.Sources...)
	s.messages[message.SessionID] = append(s.messages[message.SessionID], message)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.messages[sessionID]
	if limit > 0 && len(stored) > limit {
		stored = stored[len(stored)-limit:]
	}
	out := make([]domain.Message, len(stored))
	for i, m := range stored {
		m.Sources = append([]domain.RagSource{}, m.Sources...)
		out[i] = m
	}
	return out, nil
}

func (s *MemoryStore) UpsertRagDocument(_ context.Context, doc domain.RagDocument, chunks []domain.RagChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	stored := make([]domain.RagChunk, len(chunks))
	for i, c := range chunks {
		c.DocID = doc.ID
		c.UserID = doc.UserID
		stored[i] = c
	}
	s.chunks[doc.ID] = stored
	return nil
}

func (s *MemoryStore) ListRagChunks(_ context.Context, userID string, limit int) ([]domain.RagChunkHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userChunksLocked(userID, limit), nil
}

func (s *MemoryStore) SearchRagChunks(_ context.Context, userID string, embedding pgvector.Vector, k int) ([]domain.RagChunkHit, error) {
	s.mu.RLock()
	hits := s.userChunksLocked(userID, 0)
	s.mu.RUnlock()
	return rankHits(embedding.Slice(), hits, k), nil
}

func (s *MemoryStore) ListRagDocuments(_ context.Context, userID string) ([]domain.RagDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]domain.RagDocument, 0)
	for id, doc := range s.docs {
		if doc.UserID != userID {
			continue
		}
		doc.Tags = append([]string(nil), doc.Tags...)
		doc.ChunkCount = len(s.chunks[id])
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})
	return docs, nil
}

func (s *MemoryStore) DeleteRagDocument(_ context.Context, userID, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok || doc.UserID != userID {
		return domain.ErrNotFound
	}
	delete(s.docs, docID)
	delete(s.chunks, docID)
	return nil
}

func (s *MemoryStore) userChunksLocked(userID string, limit int) []domain.RagChunkHit {
	docIDs := make([]string, 0, len(s.docs))
	for id, doc := range s.docs {
		if doc.UserID == userID {
			docIDs = append(docIDs, id)
		}
	}
	sort.Strings(docIDs)

	var hits []domain.RagChunkHit
	for _, id := range docIDs {
		for _, c := range s.chunks[id] {
			if limit > 0 && len(hits) >= limit {
				return hits
			}
			hits = append(hits, domain.RagChunkHit{Chunk: c, Document: s.docs[id]})
		}
	}
	return hits
}
