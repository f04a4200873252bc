package env

import "testing"

func TestValidateRejectsEmptyCommand(t *testing.T) {
	e := &TaskEnv{}
	if err := e.Validate(); err == nil {
		t.Fatal("Validate: want error for empty command, got nil")
	}
}

func TestValidateDefaultsRootAndCwd(t *testing.T) {
	e := &TaskEnv{Command: "true"}
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if e.Root != "/" {
		t.Fatalf("Root = %q, want /", e.Root)
	}
	if e.Cwd != "/" {
		t.Fatalf("Cwd = %q, want /", e.Cwd)
	}
}

func TestValidateKeepsExplicitRootAndCwd(t *testing.T) {
	e := &TaskEnv{Command: "true", Root: "/var/task/rootfs", Cwd: "/app"}
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if e.Root != "/var/task/rootfs" {
		t.Fatalf("Root = %q, want /var/task/rootfs", e.Root)
	}
	if e.Cwd != "/app" {
		t.Fatalf("Cwd = %q, want /app", e.Cwd)
	}
}

func TestNewUTSNamespaceFollowsHostname(t *testing.T) {
	e := &TaskEnv{}
	if e.NewUTSNamespace() {
		t.Fatal("NewUTSNamespace() = true with no hostname set")
	}
	e.Hostname = "task-box"
	if !e.NewUTSNamespace() {
		t.Fatal("NewUTSNamespace() = false with hostname set")
	}
}
