package cgroupfs

import (
	"bufio"
	"strings"
	"testing"
)

func TestParseCgroupLinesSkipsNamedHierarchy(t *testing.T) {
	input := `5:freezer:/porto/task-1
4:memory:/porto/task-1
1:name=systemd:/user.slice/user-0.slice
`
	out, err := parseCgroupLines(bufio.NewScanner(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("parseCgroupLines: %v", err)
	}
	if out["freezer"] != "/porto/task-1" {
		t.Fatalf("freezer = %q, want /porto/task-1", out["freezer"])
	}
	if out["memory"] != "/porto/task-1" {
		t.Fatalf("memory = %q, want /porto/task-1", out["memory"])
	}
	if _, ok := out["name=systemd"]; ok {
		t.Fatal("parseCgroupLines kept the combined name= hierarchy entry")
	}
}

func TestParseCgroupLinesSkipsUnknownSubsystem(t *testing.T) {
	input := `6:rdma:/
5:freezer:/porto/task-1
`
	out, err := parseCgroupLines(bufio.NewScanner(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("parseCgroupLines: %v", err)
	}
	if _, ok := out["rdma"]; ok {
		t.Fatal("parseCgroupLines kept an unknown subsystem")
	}
	if len(out) != 1 {
		t.Fatalf("out = %v, want exactly the freezer entry", out)
	}
}

func TestParseCgroupLinesHandlesCombinedSubsystems(t *testing.T) {
	input := `4:cpu,cpuacct:/porto/task-1
`
	out, err := parseCgroupLines(bufio.NewScanner(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("parseCgroupLines: %v", err)
	}
	if out["cpu"] != "/porto/task-1" || out["cpuacct"] != "/porto/task-1" {
		t.Fatalf("out = %v, want both cpu and cpuacct mapped", out)
	}
}
