// Command nest browses and edits files inside directories, archives and
// nested archives from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/meigma/nest"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	if err := app.cmd.Run(ctx, args); err != nil {
		if nest.IsCanceled(err) {
			return 130
		}
		fmt.Fprintf(stderr, "nest: %v\n", err)
		return 1
	}
	return 0
}

// app holds the manager shared by all subcommands. It is created in the
// root command's Before hook and closed in After.
type app struct {
	cmd    *cli.Command
	m      *nest.Manager
	stdout io.Writer
	stderr io.Writer
}

func newApp(stdout, stderr io.Writer) *app {
	a := &app{stdout: stdout, stderr: stderr}
	a.cmd = &cli.Command{
		Name:      "nest",
		Usage:     "browse files inside directories and (nested) archives",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:      "config",
				Aliases:   []string{"c"},
				Usage:     "TOML configuration file",
				TakesFile: true,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log debug output to stderr",
			},
			&cli.StringFlag{
				Name:  "temp-dir",
				Usage: "directory for proxies and extracted temp files",
			},
		},
		Before: a.before,
		After:  a.after,
		Commands: []*cli.Command{
			a.lsCommand(),
			a.catCommand(),
			a.extractCommand(),
			a.rmCommand(),
			a.mvCommand(),
			a.thumbCommand(),
		},
	}
	return a
}

func (a *app) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg := nest.DefaultConfig()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = nest.LoadConfig(path); err != nil {
			return ctx, err
		}
	}
	if dir := cmd.String("temp-dir"); dir != "" {
		cfg.TempDir = dir
	}

	level := slog.LevelWarn
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))

	m, err := nest.NewManager(
		nest.WithConfig(cfg),
		nest.WithLogger(logger),
		nest.WithPasswordPrompter(nest.PasswordPrompterFunc(a.promptPassword)),
		nest.WithNotifier(notifier{w: a.stderr}),
		nest.WithProgressTracker(tracker{logger: logger}),
	)
	if err != nil {
		return ctx, err
	}
	a.m = m
	return ctx, nil
}

func (a *app) after(context.Context, *cli.Command) error {
	if a.m == nil {
		return nil
	}
	return a.m.Close()
}

var errNoTerminal = errors.New("password required but stdin is not a terminal")

// promptPassword reads a password from the terminal without echo.
func (a *app) promptPassword(ctx context.Context, archive string, retry bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	label := "Password for"
	if retry {
		label = "Password (again) for"
	}
	fmt.Fprintf(a.stderr, "%s %s: ", label, archive)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(a.stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

type notifier struct {
	w io.Writer
}

func (n notifier) Notify(title, message string) {
	fmt.Fprintf(n.w, "%s: %s\n", title, message)
}

// tracker logs long running rewrites. Cancellation is left to the signal
// context.
type tracker struct {
	logger *slog.Logger
}

func (t tracker) Begin(label string, _ context.CancelFunc) func() {
	t.logger.Info("begin", "task", label)
	return func() { t.logger.Info("end", "task", label) }
}
