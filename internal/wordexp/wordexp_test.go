package wordexp

import (
	"strings"
	"testing"
)

func TestExpandSplitsWords(t *testing.T) {
	res, err := Expand("echo hello world", nil)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	want := []string{"echo", "hello", "world"}
	if len(res.Argv) != len(want) {
		t.Fatalf("argv = %v, want %v", res.Argv, want)
	}
	for i := range want {
		if res.Argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, res.Argv[i], want[i])
		}
	}
}

func TestExpandQuoting(t *testing.T) {
	res, err := Expand(`echo "hello world"`, nil)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Argv) != 2 || res.Argv[1] != "hello world" {
		t.Fatalf("argv = %v, want [echo, \"hello world\"]", res.Argv)
	}
}

func TestExpandRejectsCommandSubstitutionDollarParen(t *testing.T) {
	_, err := Expand("echo $(whoami)", nil)
	if err == nil {
		t.Fatal("Expand: want error for $(...) substitution, got nil")
	}
	if !strings.Contains(err.Error(), "command substitution") {
		t.Fatalf("err = %v, want mention of command substitution", err)
	}
}

func TestExpandRejectsCommandSubstitutionBacktick(t *testing.T) {
	_, err := Expand("echo `whoami`", nil)
	if err == nil {
		t.Fatal("Expand: want error for backtick substitution, got nil")
	}
	if !strings.Contains(err.Error(), "command substitution") {
		t.Fatalf("err = %v, want mention of command substitution", err)
	}
}

func TestExpandRejectsUndefinedVariable(t *testing.T) {
	_, err := Expand("echo $MISSING", []string{"PATH=/usr/bin"})
	if err == nil {
		t.Fatal("Expand: want error for undefined variable, got nil")
	}
	if !strings.Contains(err.Error(), "undefined variable") {
		t.Fatalf("err = %v, want mention of undefined variable", err)
	}
}

func TestExpandAcceptsBracedKnownVariable(t *testing.T) {
	res, err := Expand("echo ${HOME}/bin", []string{"HOME=/root"})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Argv) != 2 || res.Argv[1] != "${HOME}/bin" {
		t.Fatalf("argv = %v; shlex does not expand variables, only wordexp validates them", res.Argv)
	}
}

func TestExpandRejectsEmptyCommand(t *testing.T) {
	_, err := Expand("   ", nil)
	if err == nil {
		t.Fatal("Expand: want error for empty argv, got nil")
	}
}
