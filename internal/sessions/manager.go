package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/workspace"
	"github.com/fabworks/rtlagent/pkg/models"
)

// Session IDs double as workspace directory names, so keep them filesystem
// safe.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

const turnLockWait = 10 * time.Minute

// Manager owns session lifecycle across every transport: row storage,
// workspace directories, per-session turn locks, per-transport active
// session tracking, and usage accounting.
//
// Lock ordering is store before workspace; callers must not hold workspace
// state while calling back into the manager.
type Manager struct {
	store        Store
	ws           *workspace.Store
	locks        *LockManager
	logger       *slog.Logger
	pricing      map[string]ModelPrice
	defaultModel string

	mu     sync.RWMutex
	active map[models.TransportTag]string
}

// NewManager wires a Manager over the given store and workspace. Workspace
// mutations bump the owning session's updated_at through the store.
func NewManager(store Store, ws *workspace.Store, logger *slog.Logger, defaultModel string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:        store,
		ws:           ws,
		locks:        NewLockManager(30 * time.Second),
		logger:       logger,
		pricing:      defaultPricing,
		defaultModel: defaultModel,
		active:       make(map[models.TransportTag]string),
	}
	if ws != nil {
		ws.OnMutate = func(sessionID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Touch(ctx, sessionID); err != nil {
				logger.Debug("touch after workspace write failed",
					"session_id", sessionID, "error", err)
			}
		}
	}
	return m
}

// SetPricing overrides the cost table; mostly for tests.
func (m *Manager) SetPricing(table map[string]ModelPrice) {
	m.pricing = table
}

// Close releases background resources. The underlying store is closed by its
// owner, not here.
func (m *Manager) Close() {
	m.locks.Close()
}

// Create registers a new session and provisions its workspace directory.
// An empty id gets a timestamp-based one; an empty model gets the default.
func (m *Manager) Create(ctx context.Context, id, model, title string) (*models.Session, error) {
	if model == "" {
		model = m.defaultModel
	}
	generated := id == ""
	if generated {
		id = newSessionID()
	} else if !sessionIDPattern.MatchString(id) {
		return nil, core.Errorf(core.KindBadArgs,
			"invalid session id %q: use letters, digits, '-' and '_'", id)
	}

	sess := &models.Session{ID: id, Model: model, Title: title}
	err := m.store.Create(ctx, sess)
	if generated && core.IsKind(err, core.KindSessionConflict) {
		// Two sessions created within the same second; disambiguate.
		sess.ID = fmt.Sprintf("%s_%s", id, uuid.NewString()[:4])
		err = m.store.Create(ctx, sess)
	}
	if err != nil {
		return nil, err
	}

	if m.ws != nil {
		if err := m.ws.EnsureSession(sess.ID); err != nil {
			if delErr := m.store.Delete(ctx, sess.ID); delErr != nil {
				m.logger.Warn("rollback of session row failed",
					"session_id", sess.ID, "error", delErr)
			}
			return nil, err
		}
	}

	m.logger.Info("session created", "session_id", sess.ID, "model", sess.Model)
	return sess, nil
}

func newSessionID() string {
	return time.Now().UTC().Format("session_20060102_150405")
}

func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*models.Session, error) {
	return m.store.List(ctx)
}

// Delete removes the session row and its workspace directory. It refuses
// while any transport still has the session active.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	for transport, current := range m.active {
		if current == id {
			m.mu.Unlock()
			return core.Errorf(core.KindSessionConflict,
				"session %q is active on %s; switch that transport away first", id, transport)
		}
	}
	m.mu.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	if m.ws != nil {
		if err := m.ws.RemoveSession(id); err != nil {
			return core.Wrap(core.KindPersistence, "remove session workspace", err)
		}
	}
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// SetActive marks the session as the transport's current one. The session
// must exist.
func (m *Manager) SetActive(ctx context.Context, transport models.TransportTag, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	m.active[transport] = id
	m.mu.Unlock()
	return nil
}

// CurrentOf returns the transport's active session id, or "" when none.
func (m *Manager) CurrentOf(transport models.TransportTag) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[transport]
}

// ClearActive detaches the transport from its active session, if the given
// id still matches.
func (m *Manager) ClearActive(transport models.TransportTag, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" || m.active[transport] == id {
		delete(m.active, transport)
	}
}

// Active returns a copy of the transport-to-session map.
func (m *Manager) Active() map[models.TransportTag]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.TransportTag]string, len(m.active))
	for transport, id := range m.active {
		out[transport] = id
	}
	return out
}

// AppendTurns persists turns atomically under the session's write lock.
func (m *Manager) AppendTurns(ctx context.Context, sessionID string, turns []*models.Turn) error {
	release, err := m.acquire(ctx, sessionID, "append")
	if err != nil {
		return err
	}
	defer release()
	return m.store.AppendTurns(ctx, sessionID, turns)
}

// CommitTurn persists the turn's closing entries together with its token
// delta in one store transaction, pricing tokens by the session's model.
// Either both land or neither does. Returns the priced delta.
func (m *Manager) CommitTurn(ctx context.Context, sessionID string, turns []*models.Turn, input, output, cached int64) (models.Usage, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return models.Usage{}, err
	}
	delta := models.Usage{
		InputTokens:  input,
		OutputTokens: output,
		CachedTokens: cached,
		TotalTokens:  input + output + cached,
		CostUSD:      CostFor(sess.Model, m.pricing, input, output),
	}
	release, err := m.acquire(ctx, sessionID, "commit")
	if err != nil {
		return models.Usage{}, err
	}
	defer release()
	if err := m.store.CommitTurn(ctx, sessionID, turns, delta); err != nil {
		return models.Usage{}, err
	}
	return delta, nil
}

func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]*models.Turn, error) {
	return m.store.History(ctx, sessionID, limit)
}

// RecordUsage adds a token delta to the session, pricing it by the session's
// model. Returns the priced delta.
func (m *Manager) RecordUsage(ctx context.Context, sessionID string, input, output, cached int64) (models.Usage, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return models.Usage{}, err
	}
	delta := models.Usage{
		InputTokens:  input,
		OutputTokens: output,
		CachedTokens: cached,
		TotalTokens:  input + output + cached,
		CostUSD:      CostFor(sess.Model, m.pricing, input, output),
	}
	if err := m.store.RecordUsage(ctx, sessionID, delta); err != nil {
		return models.Usage{}, err
	}
	return delta, nil
}

// SaveCheckpoint stores a transport's provider-native history blob.
func (m *Manager) SaveCheckpoint(ctx context.Context, sessionID string, transport models.TransportTag, blob []byte) error {
	return m.store.SaveCheckpoint(ctx, sessionID, transport, blob)
}

// LoadCheckpoint returns the stored blob, or nil when absent. A corrupt or
// unreadable checkpoint degrades to nil so the conversation restarts empty
// instead of failing.
func (m *Manager) LoadCheckpoint(ctx context.Context, sessionID string, transport models.TransportTag) []byte {
	blob, err := m.store.LoadCheckpoint(ctx, sessionID, transport)
	if err != nil {
		m.logger.Warn("checkpoint load failed; starting with empty history",
			"session_id", sessionID, "transport", transport, "error", err)
		return nil
	}
	return blob
}

// lockTokenKey marks a context as already holding a session's write lock,
// so nested manager calls inside a turn do not deadlock on re-acquisition.
type lockTokenKey struct{}

// WithTurnLock serializes fn against other turns on the same session. Turns
// on different sessions run in parallel. The context passed to fn carries
// the lock, so manager calls made inside fn reuse it instead of blocking.
func (m *Manager) WithTurnLock(ctx context.Context, sessionID, holder string, fn func(context.Context) error) error {
	release, err := m.acquire(ctx, sessionID, holder)
	if err != nil {
		return err
	}
	defer release()
	return fn(context.WithValue(ctx, lockTokenKey{}, sessionID))
}

// TurnInProgress reports whether a turn currently holds the session lock.
func (m *Manager) TurnInProgress(sessionID string) bool {
	return m.locks.IsLocked(sessionID)
}

func (m *Manager) acquire(ctx context.Context, sessionID, holder string) (func(), error) {
	if held, _ := ctx.Value(lockTokenKey{}).(string); held == sessionID {
		return func() {}, nil
	}
	wait := turnLockWait
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	release, err := m.locks.Acquire(ctx, sessionID, holder, wait)
	if errors.Is(err, ErrLockTimeout) {
		return nil, core.Errorf(core.KindTimeout,
			"session %q is busy with another turn", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}
