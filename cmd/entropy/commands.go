package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"entropy/internal/app"
	"entropy/internal/backend"
	"entropy/internal/config"
	"entropy/internal/plugin"
	"entropy/pkg/logx"
	"entropy/plugins/systemd"
	"entropy/plugins/vmcount"
)

const defaultEngines = "/etc/entropy/engines.yaml"

// usageError marks bad invocations (exit status 2).
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil, errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.As(err, &ue):
		return 2
	case errors.Is(err, backend.ErrConflict),
		errors.Is(err, config.ErrNoSuchEngine),
		errors.Is(err, config.ErrNoEngines),
		errors.Is(err, config.ErrEngineExists):
		return 3
	default:
		return 1
	}
}

// env is what every command gets after global flags are parsed.
type env struct {
	engines  string
	logLevel string
	stdout   io.Writer
	stderr   io.Writer
	log      logx.Logger
	plugins  *plugin.Registry
}

func (e *env) registrar() *app.Registrar {
	return app.NewRegistrar(e.engines, e.plugins, e.log)
}

type command struct {
	name    string
	summary string
	flags   func(fs *pflag.FlagSet)
	run     func(ctx context.Context, e *env, fs *pflag.FlagSet) error
}

func commands() []command {
	return []command{
		{
			name:    "register-audit",
			summary: "register an audit script with an engine",
			flags:   scriptFlags(true),
			run:     registerScript(backend.KindAudit),
		},
		{
			name:    "register-repair",
			summary: "register a repair reactor with an engine",
			flags:   scriptFlags(true),
			run:     registerScript(backend.KindRepair),
		},
		{
			name:    "unregister-audit",
			summary: "remove an audit script from an engine",
			flags:   scriptFlags(false),
			run:     unregisterScript(backend.KindAudit),
		},
		{
			name:    "unregister-repair",
			summary: "remove a repair reactor from an engine",
			flags:   scriptFlags(false),
			run:     unregisterScript(backend.KindRepair),
		},
		{
			name:    "add-engine",
			summary: "add an engine entry to the registry",
			flags: func(fs *pflag.FlagSet) {
				fs.StringP("name", "n", "", "engine name")
				fs.String("audit-cfg", "", "audit registry file (file backend)")
				fs.String("repair-cfg", "", "repair registry file (file backend)")
				fs.String("backend", "", "backend driver: file or sqlite")
				fs.String("backend-path", "", "sqlite database path")
				fs.String("serializer-schedule", "", "cron expression for the run-queue serializer")
				fs.String("engine-timeout", "", "scheduler idle wait bound (Go duration)")
				fs.Int("max-workers", 0, "concurrent audit runs")
				fs.String("bus", "", "bus driver: memory or amqp")
				fs.String("bus-url", "", "amqp URL overriding per-script mq_* credentials")
				fs.Bool("disabled", false, "register the engine disabled")
			},
			run: addEngine,
		},
		{
			name:    "start-engine",
			summary: "run an engine until it is stopped or signaled",
			flags: func(fs *pflag.FlagSet) {
				fs.StringP("name", "n", "", "engine name")
				fs.Bool("enable", false, "write enabled: true before starting")
			},
			run: startEngine,
		},
		{
			name:    "stop-engine",
			summary: "disable an engine; a running instance stops itself",
			flags: func(fs *pflag.FlagSet) {
				fs.StringP("name", "n", "", "engine name")
			},
			run: stopEngine,
		},
		{
			name:    "list-engines",
			summary: "list registered engines",
			flags: func(fs *pflag.FlagSet) {
				fs.Bool("scripts", false, "also list each engine's audits and repairs")
			},
			run: listEngines,
		},
	}
}

func addGlobalFlags(fs *pflag.FlagSet, e *env) {
	def := defaultEngines
	if v := strings.TrimSpace(os.Getenv("ENTROPY_ENGINES")); v != "" {
		def = v
	}
	fs.StringVar(&e.engines, "engines", def, "engine registry file (env ENTROPY_ENGINES)")
	fs.StringVar(&e.logLevel, "log-level", "info", "log level")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	e := &env{stdout: stdout, stderr: stderr}

	// global flags may precede the command
	global := pflag.NewFlagSet("entropy", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(stderr)
	addGlobalFlags(global, e)
	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return usagef("%v", err)
	}
	rest := global.Args()
	if len(rest) == 0 || rest[0] == "help" || rest[0] == "-h" || rest[0] == "--help" {
		printUsage(stderr, global)
		if len(rest) == 0 {
			return usagef("missing command")
		}
		return nil
	}

	var cmd *command
	for _, c := range commands() {
		if c.name == rest[0] {
			cmd = &c
			break
		}
	}
	if cmd == nil {
		printUsage(stderr, global)
		return usagef("unknown command %q", rest[0])
	}

	// both sets bind the same variables; capture what was given before the command
	given := map[string]string{}
	global.Visit(func(f *pflag.Flag) { given[f.Name] = f.Value.String() })

	fs := pflag.NewFlagSet("entropy "+cmd.name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	addGlobalFlags(fs, e)
	for name, v := range given {
		_ = fs.Set(name, v)
	}
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(rest[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return usagef("%s: %v", cmd.name, err)
	}
	if fs.NArg() > 0 {
		return usagef("%s: unexpected argument %q", cmd.name, fs.Arg(0))
	}

	e.log = logx.NewConsole(e.logLevel).With(logx.String("comp", "cli"))
	e.plugins = plugin.NewRegistry()
	if err := vmcount.Register(e.plugins); err != nil {
		return err
	}
	if err := systemd.Register(e.plugins, nil, nil); err != nil {
		return err
	}
	return cmd.run(ctx, e, fs)
}

func printUsage(w io.Writer, global *pflag.FlagSet) {
	fmt.Fprintln(w, "usage: entropy [--engines PATH] <command> [flags]")
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range commands() {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.summary)
	}
	_ = tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "global flags:")
	fmt.Fprint(w, global.FlagUsages())
}

func requireString(fs *pflag.FlagSet, name string) (string, error) {
	v, _ := fs.GetString(name)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", usagef("--%s is required", name)
	}
	return v, nil
}

func scriptFlags(withConf bool) func(fs *pflag.FlagSet) {
	return func(fs *pflag.FlagSet) {
		fs.StringP("name", "n", "", "script name")
		fs.StringP("engine", "e", "", "engine name (optional when only one is registered)")
		if withConf {
			fs.StringP("conf", "c", "", "path to the script's YAML configuration")
		}
	}
}

func registerScript(kind backend.Kind) func(context.Context, *env, *pflag.FlagSet) error {
	return func(ctx context.Context, e *env, fs *pflag.FlagSet) error {
		name, err := requireString(fs, "name")
		if err != nil {
			return err
		}
		conf, err := requireString(fs, "conf")
		if err != nil {
			return err
		}
		engine, _ := fs.GetString("engine")
		if err := e.registrar().Register(ctx, engine, kind, name, conf); err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "registered %s %s\n", kind, name)
		return nil
	}
}

func unregisterScript(kind backend.Kind) func(context.Context, *env, *pflag.FlagSet) error {
	return func(ctx context.Context, e *env, fs *pflag.FlagSet) error {
		name, err := requireString(fs, "name")
		if err != nil {
			return err
		}
		engine, _ := fs.GetString("engine")
		if err := e.registrar().Unregister(ctx, engine, kind, name); err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "unregistered %s %s\n", kind, name)
		return nil
	}
}

func addEngine(_ context.Context, e *env, fs *pflag.FlagSet) error {
	name, err := requireString(fs, "name")
	if err != nil {
		return err
	}
	str := func(n string) string { v, _ := fs.GetString(n); return strings.TrimSpace(v) }
	workers, _ := fs.GetInt("max-workers")
	disabled, _ := fs.GetBool("disabled")

	cfg := config.EngineConfig{
		AuditCfg:           str("audit-cfg"),
		RepairCfg:          str("repair-cfg"),
		Backend:            config.BackendConfig{Driver: str("backend"), Path: str("backend-path")},
		SerializerSchedule: str("serializer-schedule"),
		EngineTimeout:      str("engine-timeout"),
		MaxWorkers:         workers,
		Bus:                config.BusConfig{Driver: str("bus"), URL: str("bus-url")},
	}
	if disabled {
		off := false
		cfg.Enabled = &off
	}
	driver := strings.ToLower(cfg.Backend.Driver)
	if (driver == "" || driver == "file") && (cfg.AuditCfg == "" || cfg.RepairCfg == "") {
		return usagef("add-engine: --audit-cfg and --repair-cfg are required for the file backend")
	}
	if err := e.registrar().AddEngine(name, cfg); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "added engine %s\n", name)
	return nil
}

func startEngine(ctx context.Context, e *env, fs *pflag.FlagSet) error {
	name, err := requireString(fs, "name")
	if err != nil {
		return err
	}
	if enable, _ := fs.GetBool("enable"); enable {
		if err := e.registrar().EnableEngine(name); err != nil {
			return err
		}
	}
	a, err := app.Open(e.engines, name, app.Options{Plugins: e.plugins})
	if err != nil {
		return err
	}
	reason, err := a.Run(ctx)
	e.log.Info("engine exited", logx.String("engine", name), logx.String("reason", string(reason)))
	return err
}

func stopEngine(_ context.Context, e *env, fs *pflag.FlagSet) error {
	name, err := requireString(fs, "name")
	if err != nil {
		return err
	}
	if err := e.registrar().StopEngine(name); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "engine %s disabled\n", name)
	return nil
}

func listEngines(ctx context.Context, e *env, fs *pflag.FlagSet) error {
	withScripts, _ := fs.GetBool("scripts")
	r := e.registrar()
	list, err := r.ListEngines()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 0, 2, ' ', 0)
	header := "NAME\tENABLED\tBACKEND\tBUS"
	if withScripts {
		header += "\tAUDITS\tREPAIRS"
	}
	fmt.Fprintln(tw, header)
	for _, info := range list {
		row := fmt.Sprintf("%s\t%t\t%s\t%s", info.Name, info.Enabled, info.Backend, info.Bus)
		if withScripts {
			audits, repairs, err := r.Scripts(ctx, info.Name)
			if err != nil {
				return err
			}
			row += fmt.Sprintf("\t%s\t%s", orDash(audits), orDash(repairs))
		}
		fmt.Fprintln(tw, row)
	}
	return tw.Flush()
}

func orDash(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}
