package launcher

import (
	"os"
	"testing"

	"github.com/ekilimchuk/porto/env"
	"github.com/ekilimchuk/porto/reexec"
	"golang.org/x/sys/unix"

	_ "github.com/ekilimchuk/porto/child"
	_ "github.com/ekilimchuk/porto/intermediate"
)

// TestMain lets this test binary double as the self-reexec target: when the
// test binary is invoked with PORTO_STAGE set, it runs the requested stage
// instead of the test suite, the same dispatch cmd/launchtask installs in
// its own main. Without this, Start's os.Executable() would re-exec into a
// binary that only knows how to run `go test`.
func TestMain(m *testing.M) {
	reexec.Init()
	os.Exit(m.Run())
}

func TestStartRunsCommand(t *testing.T) {
	t.Parallel()
	e := &env.TaskEnv{Command: "/bin/true"}
	h, err := New().Start(e)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.GetPid() <= 0 {
		t.Fatalf("GetPid() = %d, want a positive pid", h.GetPid())
	}
	unix.Kill(h.GetPid(), unix.SIGKILL)
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	t.Parallel()
	e := &env.TaskEnv{}
	if _, err := New().Start(e); err == nil {
		t.Fatal("Start: want error for an empty command, got nil")
	}
}
