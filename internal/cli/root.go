// Package cli implements the boardmon command tree.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/g960059/boardmon/internal/appclient"
	"github.com/g960059/boardmon/internal/config"
)

// App carries the state shared by every command.
type App struct {
	out    io.Writer
	errOut io.Writer
	in     io.Reader

	socketPath string
	configPath string
	jsonOut    bool

	// newClient builds the daemon client for a socket path.
	newClient func(socketPath string) *appclient.Client
	styles    styles
}

func NewApp(out, errOut io.Writer, in io.Reader) *App {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if in == nil {
		in = os.Stdin
	}
	return &App{
		out:       out,
		errOut:    errOut,
		in:        in,
		newClient: appclient.New,
		styles:    newStyles(lipgloss.NewRenderer(out)),
	}
}

// NewRootCommand builds the boardmon command tree.
func (a *App) NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "boardmon",
		Short:         "Inspect boards and serial monitors managed by boardmond",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.SetIn(a.in)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})
	root.PersistentFlags().StringVar(&a.socketPath, "socket", "", "daemon socket path (defaults to the configured socket)")
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath(), "config file")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output JSON")

	root.AddCommand(
		a.newStatusCommand(),
		a.newPortsCommand(),
		a.newBoardsCommand(),
		a.newSelectCommand(),
		a.newWatchCommand(),
		a.newMonitorCommand(),
		a.newUploadCommand(),
		a.newConfigCommand(),
	)
	return root
}

// Run executes args and returns the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	root := a.NewRootCommand()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(a.errOut, "%s %v\n", a.styles.fail.Render("error:"), err)
		var usage *usageError
		if errors.As(err, &usage) || strings.HasPrefix(err.Error(), "unknown command") {
			return 2
		}
		return 1
	}
	return 0
}

// usageError marks bad arguments; Run exits with status 2 for it.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func (a *App) client() (*appclient.Client, error) {
	socket := strings.TrimSpace(a.socketPath)
	if socket == "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return nil, err
		}
		socket = cfg.SocketPath
	}
	return a.newClient(socket), nil
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
