// Package reexec dispatches this binary's own re-invocations to the
// intermediate or grandchild stage main, the replacement this launcher uses
// for the teacher's raw clone-then-run-restricted-code approach: the Go
// runtime cannot safely execute arbitrary code between fork and exec in a
// multithreaded program, so each stage after the supervisor is a fresh exec
// of the same binary instead of a continuation of forked memory.
//
// Grounded on the teacher's container.Init() (container/container_init_linux.go),
// which is a noop unless os.Getpid() == 1 and argv[1] names the init stage;
// here the stage marker travels through an environment variable instead of
// PID 1 and argv, since a re-exec'd intermediate is never PID 1.
package reexec

import (
	"fmt"
	"os"
)

// EnvStage names the environment variable that marks a re-exec'd stage.
const EnvStage = "PORTO_STAGE"

// EnvNSFds lists, as a comma-separated sequence of nsutil.Kind strings, the
// order in which parent-namespace file descriptors were appended to
// ExtraFiles beyond the two pipe fds every stage always carries.
const EnvNSFds = "PORTO_NS_FDS"

const (
	// StageIntermediate marks a re-exec as the host-side setup process
	// spawned by Launcher.Start.
	StageIntermediate = "intermediate"
	// StageChild marks a re-exec as the containerized grandchild cloned
	// by the intermediate.
	StageChild = "child"
)

// intermediateMain and childMain are registered by the intermediate and
// child packages via
// RegisterIntermediate/RegisterChild, avoiding an import cycle (this
// package must not import either, since both are spawned through it).
var (
	intermediateMain func()
	childMain        func()
)

// RegisterIntermediate installs the intermediate stage's entrypoint. Called
// once from an init() in the intermediate package.
func RegisterIntermediate(f func()) { intermediateMain = f }

// RegisterChild installs the grandchild stage's entrypoint.
func RegisterChild(f func()) { childMain = f }

// Init checks whether this process was re-exec'd as a stage and, if so,
// runs that stage's main and never returns (it exits zero if the stage's
// main returns). Call Init first in main(), before touching flags or stdio,
// mirroring container.Init's placement at the very top of the host
// program's main.
func Init() {
	switch os.Getenv(EnvStage) {
	case StageIntermediate:
		if intermediateMain == nil {
			fmt.Fprintln(os.Stderr, "reexec: intermediate stage requested but not registered")
			os.Exit(1)
		}
		intermediateMain()
		os.Exit(0)
	case StageChild:
		if childMain == nil {
			fmt.Fprintln(os.Stderr, "reexec: child stage requested but not registered")
			os.Exit(1)
		}
		childMain()
		os.Exit(0)
	}
}
