// processctl is the administrative CLI for a processd data directory: it
// manages manifests and groups, validates cron expressions, and can issue
// start/stop/restart/kill against a service. It opens the supervisor
// in-process against the same data directory processd uses rather than
// speaking a wire protocol; as with sqlite3's CLI against a database file, control
// operations issued here only affect a service's actual OS process when run
// against the same supervisor instance, e.g. from within a script that
// also owns the daemon lifecycle. Manifest CRUD and validate-cron, which
// only touch durable state, always work.
//
// Usage:
//
//	processctl [--root <dir>] list
//	processctl [--root <dir>] create <id> <command> [args...]
//	processctl [--root <dir>] start|stop|restart|kill <id>
//	processctl [--root <dir>] tail <id>
//	processctl [--root <dir>] validate-cron <expr> [timezone]
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/processd/processd/internal/config"
	"github.com/processd/processd/internal/model"
	"github.com/processd/processd/internal/supervisor"
)

var admin = supervisor.Caller{ID: "processctl", Admin: true}

func main() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "processctl: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}
	defaultRoot := filepath.Join(homeDir, ".processd")
	if env := os.Getenv("PROCESSD_DATA_DIR"); env != "" {
		defaultRoot = env
	}

	rootDir := flag.String("root", defaultRoot, "processd data directory (env: PROCESSD_DATA_DIR)")
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*rootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "processctl: config load: %v\n", err)
		os.Exit(1)
	}
	sup, err := supervisor.New(cfg, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "processctl: supervisor init: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		cmdList(sup)
	case "create":
		cmdCreate(sup, args[1:])
	case "start":
		cmdControl(sup, "start", args[1:])
	case "stop":
		cmdControl(sup, "stop", args[1:])
	case "restart":
		cmdControl(sup, "restart", args[1:])
	case "kill":
		cmdControl(sup, "kill", args[1:])
	case "status":
		cmdStatus(sup, args[1:])
	case "delete":
		cmdDelete(sup, args[1:])
	case "tail":
		cmdTail(sup, args[1:])
	case "validate-cron":
		cmdValidateCron(sup, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "processctl: unknown command %q\n", args[0])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `processctl – manage processd services

  list                                List all services
  create <id> <command> [args...]     Register a new service
  start|stop|restart|kill <id>        Issue a control transition
  status <id>                         Print a service's runtime state
  delete <id>                         Remove a stopped service
  tail <id>                           Print buffered output for a service
  validate-cron <expr> [timezone]     Parse a cron expression and print its next firings`)
}

func cmdList(sup *supervisor.Supervisor) {
	for _, m := range sup.List(admin) {
		state := model.StateUnknown
		if rs, err := sup.Status(admin, m.ID); err == nil {
			state = rs.State
		}
		fmt.Printf("%-20s %-8s %-10s %s %v\n", m.ID, state, m.Command, m.Group, m.Args)
	}
}

func cmdStatus(sup *supervisor.Supervisor, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: processctl status <id>")
		os.Exit(1)
	}
	rs, err := sup.Status(admin, model.ServiceId(args[0]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "processctl: status: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("state: %s\n", rs.State)
	if rs.PID > 0 {
		fmt.Printf("pid: %d\nstarted: %s\n", rs.PID, rs.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if !rs.ExitInfo.StoppedAt.IsZero() {
		fmt.Printf("last exit: code=%d at %s\n", rs.ExitInfo.ExitCode, rs.ExitInfo.StoppedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if rs.LastError != "" {
		fmt.Printf("last error: %s\n", rs.LastError)
	}
}

func cmdCreate(sup *supervisor.Supervisor, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: processctl create <id> <command> [args...]")
		os.Exit(1)
	}
	m := &model.Manifest{ID: model.ServiceId(args[0]), Command: args[1], Args: args[2:]}
	if err := sup.Create(admin, m); err != nil {
		fmt.Fprintf(os.Stderr, "processctl: create: %v\n", err)
		os.Exit(1)
	}
}

func cmdControl(sup *supervisor.Supervisor, op string, args []string) {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: processctl %s <id>\n", op)
		os.Exit(1)
	}
	id := model.ServiceId(args[0])

	var err error
	switch op {
	case "start":
		err = sup.Start(admin, id)
	case "stop":
		err = sup.Stop(admin, id)
	case "restart":
		err = sup.Restart(admin, id)
	case "kill":
		err = sup.Kill(admin, id)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "processctl: %s: %v\n", op, err)
		os.Exit(1)
	}
}

func cmdDelete(sup *supervisor.Supervisor, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: processctl delete <id>")
		os.Exit(1)
	}
	if err := sup.Delete(admin, model.ServiceId(args[0])); err != nil {
		fmt.Fprintf(os.Stderr, "processctl: delete: %v\n", err)
		os.Exit(1)
	}
}

func cmdTail(sup *supervisor.Supervisor, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: processctl tail <id>")
		os.Exit(1)
	}
	out, err := sup.Tail(admin, model.ServiceId(args[0]), 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "processctl: tail: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
}

func cmdValidateCron(sup *supervisor.Supervisor, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: processctl validate-cron <expr> [timezone]")
		os.Exit(1)
	}
	tz := ""
	if len(args) > 1 {
		tz = args[1]
	}
	next, err := sup.ValidateCron(args[0], tz)
	if err != nil {
		fmt.Fprintf(os.Stderr, "processctl: validate-cron: %v\n", err)
		os.Exit(1)
	}
	for _, t := range next {
		fmt.Println(t.Format("2006-01-02T15:04:05Z07:00"))
	}
}
