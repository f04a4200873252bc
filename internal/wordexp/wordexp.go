// Package wordexp expands a task's command string into argv, the Go
// replacement for glibc's wordexp(3) that spec §4.8 calls for: split words,
// reject command substitution and undefined-variable usage, and map any
// rejection onto a descriptive invalid-value error.
//
// Word splitting is grounded on github.com/google/shlex's Split, used the
// same way the retrieval pack's FouGuai-FUZOJ judge runner turns a command
// template into argv (judge_service/internal/sandbox/runner/default_runner.go).
// The teacher never shells out to a user-supplied command line at all
// (pkg/forkexec always receives a pre-built argv), so the substitution and
// undefined-variable checks below have no teacher precedent; they follow
// wordexp(3)'s own WRDE_CMDSUB/WRDE_BADVAL semantics instead, distinguishing
// each rejection reason rather than collapsing every non-zero wordexp
// outcome into WRDE_NOSPACE the way the original implementation did (see
// spec open question (a)).
package wordexp

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Result is the outcome of a successful expansion: argv ready for
// execvpe, with argv[0] already resolved from the expansion.
type Result struct {
	Argv []string
}

// Expand splits command into words, forbidding command substitution
// (`$(...)` or backticks) and references to variables not present in
// environ. Expand never logs.
func Expand(command string, environ []string) (*Result, error) {
	if strings.Contains(command, "$(") || strings.Contains(command, "`") {
		return nil, fmt.Errorf("wordexp: command substitution is forbidden in %q", command)
	}

	known := make(map[string]bool, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			known[kv[:i]] = true
		}
	}
	if name, ok := firstUndefinedVar(command, known); ok {
		return nil, fmt.Errorf("wordexp: undefined variable %q referenced in %q", name, command)
	}

	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("wordexp: split %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("wordexp: %q expands to an empty argv", command)
	}
	return &Result{Argv: argv}, nil
}

// firstUndefinedVar scans command for POSIX-style $VAR or ${VAR} references
// and reports the first one absent from known.
func firstUndefinedVar(command string, known map[string]bool) (string, bool) {
	i := 0
	for i < len(command) {
		if command[i] != '$' {
			i++
			continue
		}
		i++
		if i >= len(command) {
			break
		}
		braced := false
		if command[i] == '{' {
			braced = true
			i++
		}
		start := i
		for i < len(command) && isVarChar(command[i]) {
			i++
		}
		name := command[start:i]
		if braced && i < len(command) && command[i] == '}' {
			i++
		}
		if name == "" {
			continue
		}
		if !known[name] {
			return name, true
		}
	}
	return "", false
}

func isVarChar(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}
