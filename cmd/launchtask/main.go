// Command launchtask is a demonstration CLI around launcher.Start, the
// successor to the teacher's cmd/runprog: a thin flag-and-config front end
// over the real work, which lives in launcher/child/intermediate.
//
// Grounded on cmd/runprog/main.go's flag-driven single-shot invocation
// style, generalized from the stdlib flag package to github.com/spf13/pflag
// (seen in the retrieval pack's bureau-foundation-bureau and google-gvisor
// go.mod files) and from an ad hoc option struct to a gopkg.in/yaml.v3
// config file, since this launcher's TaskEnv has far more shape than
// runprog's flat rlimit/seccomp set.
package main

import (
	"fmt"
	"os"

	"github.com/ekilimchuk/porto/env"
	"github.com/ekilimchuk/porto/launcher"
	"github.com/ekilimchuk/porto/reexec"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	_ "github.com/ekilimchuk/porto/child"
	_ "github.com/ekilimchuk/porto/intermediate"
)

// fileConfig is the on-disk shape of -config, a subset of TaskEnv that a
// human would plausibly hand-write; command, user and group are not part
// of it and come from the command line only.
type fileConfig struct {
	Root       string        `yaml:"root"`
	Cwd        string        `yaml:"cwd"`
	RootRdonly bool          `yaml:"root_rdonly"`
	BindDNS    bool          `yaml:"bind_dns"`
	Isolate    bool          `yaml:"isolate"`
	NewMountNs bool          `yaml:"new_mount_ns"`
	NewNetNs   bool          `yaml:"new_net_ns"`
	Hostname   string        `yaml:"hostname"`
	Caps       uint64        `yaml:"caps"`
	Environ    []string      `yaml:"environ"`
	BindMap    []env.BindMap `yaml:"bind_map"`
}

func main() {
	reexec.Init() // noop unless this process was re-exec'd as a stage

	var (
		configPath = pflag.StringP("config", "c", "", "path to a YAML task config")
		user       = pflag.StringP("user", "u", "", "credential user name")
		group      = pflag.StringP("group", "g", "", "credential group name")
		verbose    = pflag.BoolP("verbose", "v", false, "use development logging and log the task command (unexpanded) and root before starting it")
	)
	pflag.Parse()

	logger := newLogger(*verbose)
	defer logger.Sync()

	args := pflag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [options] -- command...\n", os.Args[0])
		os.Exit(2)
	}

	e, err := buildTaskEnv(*configPath, *user, *group, args)
	if err != nil {
		logger.Fatal("build task env", zap.Error(err))
	}
	if *verbose {
		logger.Info("expanded task", zap.String("command", e.Command), zap.String("root", e.Root))
	}

	h, err := launcher.New().Start(e)
	if err != nil {
		logger.Error("start failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("task started", zap.Int("pid", h.GetPid()))
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "launchtask: build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func buildTaskEnv(configPath, user, group string, args []string) (*env.TaskEnv, error) {
	var fc fileConfig
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("launchtask: read config %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("launchtask: parse config %s: %w", configPath, err)
		}
	}

	cred, err := env.ResolveCred(user, group)
	if err != nil {
		return nil, err
	}

	e := &env.TaskEnv{
		Command:    joinArgs(args),
		Cwd:        fc.Cwd,
		Root:       fc.Root,
		RootRdonly: fc.RootRdonly,
		BindDNS:    fc.BindDNS,
		Isolate:    fc.Isolate,
		NewMountNs: fc.NewMountNs,
		NewNetNs:   fc.NewNetNs,
		User:       user,
		Group:      group,
		Cred:       cred,
		Environ:    fc.Environ,
		Hostname:   fc.Hostname,
		BindMap:    fc.BindMap,
		Caps:       fc.Caps,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
