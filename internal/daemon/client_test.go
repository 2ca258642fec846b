package daemon

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/matheus3301/wppsync/internal/session"
	"github.com/matheus3301/wppsync/internal/uithread"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func TestClientRoundTrip(t *testing.T) {
	testHome(t)
	backend := newFakeBackend()
	backend.put("chat:b", msg("m1", 1), msg("m2", 2))
	socketPath := filepath.Join(session.Dir("test"), "c.sock")

	app := fxtest.New(t,
		Module(Params{
			SessionName: "test",
			SocketPath:  socketPath,
			Config:      testConfig(),
			Logger:      zap.NewNop(),
			Dispatcher:  uithread.Immediate{},
			Backend:     backend,
			Serve:       true,
		}),
	)
	app.RequireStart()
	defer app.RequireStop()

	c := NewClient(socketPath)
	defer c.Close()
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	res, err := c.Sync(ctx, "chat:b")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Collection != "chat:b" || res.Fetched != 2 {
		t.Errorf("Sync = %+v, want 2 fetched on chat:b", res)
	}

	names, err := c.Collections(ctx)
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if len(names) != 1 || names[0] != "chat:b" {
		t.Errorf("Collections = %v, want [chat:b]", names)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Session != "test" || len(st.Collections) != 1 || st.Collections[0].Stored != 2 {
		t.Errorf("Status = %+v", st)
	}

	if _, err := c.CacheStats(ctx); err != nil {
		t.Errorf("CacheStats: %v", err)
	}
	if _, err := c.Evict(ctx, 0); err != nil {
		t.Errorf("Evict: %v", err)
	}
	if err := c.Logout(ctx); err != nil {
		t.Errorf("Logout: %v", err)
	}
	names, _ = c.Collections(ctx)
	if len(names) != 0 {
		t.Errorf("Collections after logout = %v, want none", names)
	}
}

func TestClientSurfacesAPIError(t *testing.T) {
	testHome(t)
	socketPath := filepath.Join(session.Dir("test"), "e.sock")
	app := fxtest.New(t,
		Module(Params{
			SessionName: "test",
			SocketPath:  socketPath,
			Config:      testConfig(),
			Logger:      zap.NewNop(),
			Dispatcher:  uithread.Immediate{},
			Backend:     newFakeBackend(),
			Serve:       true,
		}),
	)
	app.RequireStart()
	defer app.RequireStop()

	c := NewClient(socketPath)
	defer c.Close()
	if _, err := c.Evict(context.Background(), -1); err == nil {
		t.Fatal("negative budget should fail")
	}
}
