package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/dmsync/internal/api"
	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/config"
	"github.com/matheus3301/dmsync/internal/identity"
	"github.com/matheus3301/dmsync/internal/lock"
	"github.com/matheus3301/dmsync/internal/session"
	"github.com/matheus3301/dmsync/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const secret = "daemon-secret"

// tempHome points the session layout at a short temp dir (macOS 104-char
// Unix socket limit).
func tempHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "dms-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
	return dir
}

func testConfig(t *testing.T, userID string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.TokenSecret = secret
	cfg.LogLevel = "error"
	if userID != "" {
		token, err := identity.IssueToken(userID, secret, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		cfg.SessionToken = token
	}
	return cfg
}

func TestFxModuleWiring(t *testing.T) {
	tempHome(t)
	const name = "fxtest"
	app := fx.New(
		Module(Params{SessionName: name, Config: testConfig(t, "alice")}),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		t.Fatalf("fx graph: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}

	c, err := api.Dial(session.SocketPath(name))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	var st *api.StatusReply
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, err = c.Status(ctx)
		if err == nil && st.State == string(status.Ready) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if st.State != string(status.Ready) || st.UserID != "alice" || st.Session != name {
		t.Errorf("status = %+v", st)
	}
	convs, err := c.ListConversations(ctx)
	if err != nil || len(convs) != 0 {
		t.Errorf("ListConversations = %v, %v", convs, err)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(session.SocketPath(name)); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
	lk, err := lock.Acquire(session.LockPath(name))
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = lk.Release()
}

func TestSecondDaemonRefused(t *testing.T) {
	tempHome(t)
	held, err := lock.Acquire(session.LockPath("busy"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	app := fx.New(Module(Params{SessionName: "busy", Config: testConfig(t, "")}), fx.NopLogger)
	if app.Err() == nil {
		t.Fatal("second daemon on a locked session should not start")
	}
}

func TestMissingSecretFailsFast(t *testing.T) {
	tempHome(t)
	cfg := testConfig(t, "")
	cfg.TokenSecret = ""
	app := fx.New(Module(Params{SessionName: "nosecret", Config: cfg}), fx.NopLogger)
	if app.Err() == nil {
		t.Fatal("daemon without token_secret should not start")
	}
}

func TestProvideIdentity(t *testing.T) {
	b := bus.New()
	sess, err := provideIdentity(testConfig(t, "bob"), b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if id, err := sess.CurrentUserID(); err != nil || id != "bob" {
		t.Errorf("CurrentUserID = %q, %v", id, err)
	}

	cfg := testConfig(t, "")
	cfg.SessionToken = "not-a-token"
	sess, err = provideIdentity(cfg, b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sess.CurrentUserID(); err == nil {
		t.Error("rejected token should leave the session signed out")
	}
}

func TestServerStopRemovesSocket(t *testing.T) {
	dir := tempHome(t)
	socketPath := filepath.Join(dir, "d.sock")
	srv, err := NewServer(Params{SessionName: "srv", SocketPath: socketPath}, zap.NewNop(),
		api.NewService("srv", nil, nil, nil, bus.New(), nil))
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket mode = %v, want 0600", perm)
	}
	go func() { _ = srv.Start() }()
	time.Sleep(20 * time.Millisecond)

	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
}
