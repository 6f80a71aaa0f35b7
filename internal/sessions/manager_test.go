package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/workspace"
	"github.com/fabworks/rtlagent/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, *workspace.Store) {
	t.Helper()
	ws, err := workspace.NewStore(t.TempDir(), 0, testLogger())
	if err != nil {
		t.Fatalf("workspace.NewStore: %v", err)
	}
	mgr := NewManager(NewMemoryStore(), ws, testLogger(), "gemini-2.5-flash")
	t.Cleanup(mgr.Close)
	return mgr, ws
}

func TestManager_CreateGeneratesID(t *testing.T) {
	mgr, ws := newTestManager(t)

	sess, err := mgr.Create(context.Background(), "", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pattern := regexp.MustCompile(`^session_\d{8}_\d{6}$`)
	if !pattern.MatchString(sess.ID) {
		t.Errorf("generated ID = %q, want session_YYYYMMDD_HHMMSS", sess.ID)
	}
	if sess.Model != "gemini-2.5-flash" {
		t.Errorf("Model = %q, want default model", sess.Model)
	}

	if _, err := os.Stat(ws.SessionDir(sess.ID)); err != nil {
		t.Errorf("workspace directory missing: %v", err)
	}
}

func TestManager_CreateRejectsUnsafeID(t *testing.T) {
	mgr, _ := newTestManager(t)

	for _, id := range []string{"../escape", "has space", "semi;colon", "-leading"} {
		_, err := mgr.Create(context.Background(), id, "", "")
		if !core.IsKind(err, core.KindBadArgs) {
			t.Errorf("Create(%q) kind = %v, want %s", id, core.KindOf(err), core.KindBadArgs)
		}
	}
}

func TestManager_DeleteRefusesWhileActive(t *testing.T) {
	mgr, ws := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "held", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.SetActive(ctx, models.TransportMCP, sess.ID); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	err = mgr.Delete(ctx, sess.ID)
	if !core.IsKind(err, core.KindSessionConflict) {
		t.Fatalf("Delete(active) kind = %v, want %s", core.KindOf(err), core.KindSessionConflict)
	}

	mgr.ClearActive(models.TransportMCP, sess.ID)
	if err := mgr.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete after detach: %v", err)
	}
	if _, err := os.Stat(ws.SessionDir(sess.ID)); !os.IsNotExist(err) {
		t.Errorf("workspace directory survived delete: %v", err)
	}
}

func TestManager_SetActiveUnknownSession(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.SetActive(context.Background(), models.TransportREST, "ghost")
	if !core.IsKind(err, core.KindSessionNotFound) {
		t.Errorf("kind = %v, want %s", core.KindOf(err), core.KindSessionNotFound)
	}
}

func TestManager_RecordUsagePricesByModel(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "priced", "gemini-2.5-flash", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	delta, err := mgr.RecordUsage(ctx, sess.ID, 1_000_000, 100_000, 0)
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	// 1M input at $0.30/M plus 100k output at $2.50/M.
	want := 0.30 + 0.25
	if delta.CostUSD < want-1e-9 || delta.CostUSD > want+1e-9 {
		t.Errorf("delta.CostUSD = %v, want %v", delta.CostUSD, want)
	}

	got, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Usage.TotalTokens != 1_100_000 {
		t.Errorf("TotalTokens = %d, want 1100000", got.Usage.TotalTokens)
	}
}

func TestManager_CommitTurnPricesAndAppends(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "combined", "gemini-2.5-flash", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	turn := &models.Turn{ID: "t1", Role: models.RoleAssistant, Content: "done"}
	delta, err := mgr.CommitTurn(ctx, sess.ID, []*models.Turn{turn}, 1_000_000, 100_000, 0)
	if err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}
	// 1M input at $0.30/M plus 100k output at $2.50/M.
	want := 0.30 + 0.25
	if delta.CostUSD < want-1e-9 || delta.CostUSD > want+1e-9 {
		t.Errorf("delta.CostUSD = %v, want %v", delta.CostUSD, want)
	}

	got, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Usage.TotalTokens != 1_100_000 {
		t.Errorf("TotalTokens = %d, want 1100000", got.Usage.TotalTokens)
	}
	history, err := mgr.History(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Content != "done" {
		t.Errorf("history = %+v, want the committed turn", history)
	}
}

type checkpointFailStore struct {
	Store
}

func (s *checkpointFailStore) LoadCheckpoint(ctx context.Context, sessionID string, transport models.TransportTag) ([]byte, error) {
	return nil, errors.New("blob corrupted")
}

func TestManager_LoadCheckpointDegradesToEmpty(t *testing.T) {
	mgr := NewManager(&checkpointFailStore{Store: NewMemoryStore()}, nil, testLogger(), "m")
	defer mgr.Close()

	blob := mgr.LoadCheckpoint(context.Background(), "s", models.TransportWebSocket)
	if blob != nil {
		t.Errorf("LoadCheckpoint = %q, want nil on read failure", blob)
	}
}

func TestManager_WithTurnLockSerializesSameSession(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "busy", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	holding := make(chan struct{})
	releaseNow := make(chan struct{})
	go func() {
		_ = mgr.WithTurnLock(ctx, sess.ID, "turn-1", func(context.Context) error {
			close(holding)
			<-releaseNow
			return nil
		})
	}()
	<-holding

	if !mgr.TurnInProgress(sess.ID) {
		t.Error("TurnInProgress = false while a turn holds the lock")
	}

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = mgr.WithTurnLock(shortCtx, sess.ID, "turn-2", func(context.Context) error {
		t.Error("second turn ran while first held the lock")
		return nil
	})
	if err == nil {
		t.Fatal("second WithTurnLock = nil, want timeout")
	}

	close(releaseNow)
}

func TestManager_WorkspaceWritesTouchSession(t *testing.T) {
	mgr, ws := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "touched", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	p, err := ws.Path(sess.ID, "top.v")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if err := ws.WriteFile(sess.ID, p, []byte("module top; endmodule\n"), workspace.WriteReplace); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("UpdatedAt = %v, want bumped past CreatedAt %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestManager_DeleteMissingWorkspaceDirStillSucceeds(t *testing.T) {
	mgr, ws := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "thin", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.RemoveAll(filepath.Dir(ws.SessionDir(sess.ID))); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if err := mgr.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete with missing workspace: %v", err)
	}
}
