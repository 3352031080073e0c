// deskchat is a terminal client for ticket chat. It holds one realtime
// connection to the service desk server, prints the messages and ticket
// updates of the tickets it follows and sends every line typed on stdin.
//
// Usage:
//
//	deskchat login [token] [--dev --role agent]
//	deskchat logout
//	deskchat chat --ticket 42 --sender agent
//	deskchat history 42 [--limit 20]
//	deskchat update 42 status=CLOSED priority=HIGH
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/historyapi"
	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/tokenstore"
	"github.com/lorrc/service-desk-realtime/internal/config"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
)

// errUsage is returned after the usage text has been printed.
var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(args []string) error
}

var commands = []command{
	{name: "login", summary: "store an auth token (or mint a development one with --dev)", run: runLogin},
	{name: "logout", summary: "forget the stored auth token", run: runLogout},
	{name: "chat", summary: "join a ticket conversation", run: runChat},
	{name: "history", summary: "print a ticket's recent messages", run: runHistory},
	{name: "update", summary: "broadcast changed ticket fields (agents only)", run: runUpdate},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(os.Stderr)
		if len(args) == 0 {
			return errUsage
		}
		return nil
	}

	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(args[1:])
		}
	}

	printUsage(os.Stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "deskchat - realtime ticket chat for the service desk")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: deskchat <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run `deskchat <command> --help` for the command's flags.")
}

// newFlagSet returns a flag set with the flags every command shares.
func newFlagSet(name string, verbose *bool) *pflag.FlagSet {
	flags := pflag.NewFlagSet("deskchat "+name, pflag.ContinueOnError)
	flags.BoolVarP(verbose, "verbose", "v", false, "log connection details to stderr")
	return flags
}

// newLogger writes text logs to stderr. Without --verbose only errors the
// user cannot already see in the banners get through.
func newLogger(cfg *config.Config, verbose bool) *slog.Logger {
	level := "error"
	if verbose {
		level = "debug"
	}
	return logging.NewLogger(logging.Config{
		Level:       level,
		Format:      "text",
		Output:      os.Stderr,
		Environment: cfg.App.Environment,
	})
}

func fileStore(cfg *config.Config) *tokenstore.FileStore {
	return tokenstore.NewFileStore(cfg.Realtime.TokenFile)
}

// tokenChain prefers DESK_AUTH_TOKEN over the token file.
func tokenChain(cfg *config.Config) tokenstore.Chain {
	return tokenstore.Chain{tokenstore.NewEnvStore(), fileStore(cfg)}
}

func apiClient(cfg *config.Config, logger *slog.Logger) *historyapi.Client {
	return historyapi.New(strings.TrimRight(cfg.Realtime.APIURL, "/")+"/api/v1", tokenChain(cfg), logger)
}
