package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/pkg/models"
)

// MemoryStore keeps everything in process memory. It mirrors the SQLite
// semantics closely enough for tests and for ephemeral CLI runs.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	turns       map[string][]*models.Turn
	checkpoints map[string]map[models.TransportTag][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*models.Session),
		turns:       make(map[string][]*models.Turn),
		checkpoints: make(map[string]map[models.TransportTag][]byte),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return core.Errorf(core.KindSessionConflict, "session %q already exists", session.ID)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.UpdatedAt = session.CreatedAt
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, core.Errorf(core.KindSessionNotFound, "session %q not found", id)
	}
	return cloneSession(sess), nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return core.Errorf(core.KindSessionNotFound, "session %q not found", id)
	}
	delete(m.sessions, id)
	delete(m.turns, id)
	delete(m.checkpoints, id)
	return nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return core.Errorf(core.KindSessionNotFound, "session %q not found", id)
	}
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AppendTurns(ctx context.Context, sessionID string, turns []*models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return m.CommitTurn(ctx, sessionID, turns, models.Usage{})
}

func (m *MemoryStore) CommitTurn(ctx context.Context, sessionID string, turns []*models.Turn, delta models.Usage) error {
	if len(turns) == 0 && delta == (models.Usage{}) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return core.Errorf(core.KindSessionNotFound, "session %q not found", sessionID)
	}
	seq := int64(0)
	if existing := m.turns[sessionID]; len(existing) > 0 {
		seq = existing[len(existing)-1].Seq
	}
	now := time.Now().UTC()
	for _, turn := range turns {
		seq++
		turn.SessionID = sessionID
		turn.Seq = seq
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = now
		}
		m.turns[sessionID] = append(m.turns[sessionID], cloneTurn(turn))
	}
	sess.Usage.Add(delta)
	sess.UpdatedAt = now
	return nil
}

func (m *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.turns[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*models.Turn, 0, len(all))
	for _, turn := range all {
		out = append(out, cloneTurn(turn))
	}
	return out, nil
}

func (m *MemoryStore) RecordUsage(ctx context.Context, sessionID string, delta models.Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return core.Errorf(core.KindSessionNotFound, "session %q not found", sessionID)
	}
	sess.Usage.Add(delta)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, sessionID string, transport models.TransportTag, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTransport, ok := m.checkpoints[sessionID]
	if !ok {
		byTransport = make(map[models.TransportTag][]byte)
		m.checkpoints[sessionID] = byTransport
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	byTransport[transport] = cp
	return nil
}

func (m *MemoryStore) LoadCheckpoint(ctx context.Context, sessionID string, transport models.TransportTag) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.checkpoints[sessionID][transport]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

func cloneSession(in *models.Session) *models.Session {
	out := *in
	return &out
}

func cloneTurn(in *models.Turn) *models.Turn {
	out := *in
	if in.ToolCalls != nil {
		out.ToolCalls = append([]models.ToolCall(nil), in.ToolCalls...)
	}
	if in.ToolResults != nil {
		out.ToolResults = append([]models.ToolResult(nil), in.ToolResults...)
	}
	return &out
}
