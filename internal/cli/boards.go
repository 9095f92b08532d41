package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/g960059/boardmon/internal/api"
	"github.com/g960059/boardmon/internal/appclient"
	"github.com/g960059/boardmon/internal/model"
)

func (a *App) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			health, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(health)
			}
			upload := a.styles.muted.Render("idle")
			if health.UploadInProgress {
				upload = a.styles.warn.Render("in progress")
			}
			_, _ = fmt.Fprintf(a.out, "daemon:    %s\n", a.styles.ok.Render(health.Status))
			_, _ = fmt.Fprintf(a.out, "discovery: %s\n", health.DiscoveryMode)
			_, _ = fmt.Fprintf(a.out, "upload:    %s\n", upload)
			return nil
		},
	}
}

func (a *App) newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List detected ports and the boards on them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			env, err := client.Ports(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(env)
			}
			if len(env.Ports) == 0 {
				_, _ = fmt.Fprintln(a.out, a.styles.muted.Render("no ports detected"))
				return nil
			}
			rows := make([][]string, 0, len(env.Ports))
			for _, pb := range env.Ports {
				names := make([]string, 0, len(pb.Boards))
				for _, b := range pb.Boards {
					names = append(names, boardLabel(b))
				}
				rows = append(rows, []string{pb.Port.Address, pb.Port.Protocol, pb.Port.Label, strings.Join(names, ", ")})
			}
			_, _ = fmt.Fprintln(a.out, a.table([]string{"ADDRESS", "PROTOCOL", "LABEL", "BOARDS"}, rows))
			return nil
		},
	}
}

func (a *App) newBoardsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "boards",
		Short: "List available boards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			env, err := client.Boards(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(env)
			}
			a.printAvailable(env.Boards)
			return nil
		},
	}
}

func (a *App) printAvailable(boards []model.AvailableBoard) {
	if len(boards) == 0 {
		_, _ = fmt.Fprintln(a.out, a.styles.muted.Render("no boards available"))
		return
	}
	rows := make([][]string, 0, len(boards))
	for _, b := range boards {
		mark := ""
		if b.Selected {
			mark = symbolSelected
		}
		port := ""
		if b.Port != nil {
			port = b.Port.String()
		}
		rows = append(rows, []string{mark, b.Name, b.FQBN, port, a.styles.boardState(b.State)})
	}
	_, _ = fmt.Fprintln(a.out, a.table([]string{"", "NAME", "FQBN", "PORT", "STATE"}, rows))
}

func (a *App) newSelectCommand() *cobra.Command {
	var (
		fqbn       string
		name       string
		address    string
		protocol   string
		clearBoard bool
		clearPort  bool
	)
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Show or change the selected board and port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			current, err := client.BoardsConfig(cmd.Context())
			if err != nil {
				return err
			}
			changed := fqbn != "" || name != "" || address != "" || clearBoard || clearPort
			if !changed {
				return a.printSelection(current)
			}
			if (fqbn != "" || name != "") && clearBoard {
				return usagef("--clear-board cannot be combined with --fqbn or --name")
			}
			if address != "" && clearPort {
				return usagef("--clear-port cannot be combined with --port")
			}

			next := current.Config.Clone()
			if clearBoard {
				next.SelectedBoard = nil
			}
			if fqbn != "" || name != "" {
				if name == "" {
					name = a.lookupBoardName(cmd, client, fqbn)
				}
				next.SelectedBoard = &model.Board{Name: name, FQBN: fqbn}
			}
			if clearPort {
				next.SelectedPort = nil
			}
			if address != "" {
				next.SelectedPort = &model.Port{Address: address, Protocol: protocol}
			}
			updated, err := client.SetBoardsConfig(cmd.Context(), next)
			if err != nil {
				return err
			}
			return a.printSelection(updated)
		},
	}
	cmd.Flags().StringVar(&fqbn, "fqbn", "", "board FQBN")
	cmd.Flags().StringVar(&name, "name", "", "board name (looked up from the FQBN when omitted)")
	cmd.Flags().StringVar(&address, "port", "", "port address")
	cmd.Flags().StringVar(&protocol, "protocol", "serial", "port protocol")
	cmd.Flags().BoolVar(&clearBoard, "clear-board", false, "unselect the board")
	cmd.Flags().BoolVar(&clearPort, "clear-port", false, "unselect the port")
	return cmd
}

// lookupBoardName finds the display name of fqbn among the available boards,
// falling back to the FQBN itself.
func (a *App) lookupBoardName(cmd *cobra.Command, client *appclient.Client, fqbn string) string {
	env, err := client.Boards(cmd.Context())
	if err != nil {
		return fqbn
	}
	for _, b := range env.Boards {
		if b.FQBN == fqbn && b.Name != "" {
			return b.Name
		}
	}
	return fqbn
}

func (a *App) printSelection(env api.BoardsConfigEnvelope) error {
	if a.jsonOut {
		return a.printJSON(env)
	}
	board := a.styles.muted.Render("none")
	if b := env.Config.SelectedBoard; b != nil {
		board = boardLabel(*b)
	}
	port := a.styles.muted.Render("none")
	if p := env.Config.SelectedPort; p != nil {
		port = p.String()
	}
	upload := a.styles.warn.Render("no")
	if env.CanUpload {
		upload = a.styles.ok.Render("yes")
	}
	_, _ = fmt.Fprintf(a.out, "board:      %s\n", board)
	_, _ = fmt.Fprintf(a.out, "port:       %s\n", port)
	_, _ = fmt.Fprintf(a.out, "can upload: %s\n", upload)
	return nil
}

func (a *App) newWatchCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow attached board changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			return client.WatchLoop(cmd.Context(), appclient.WatchLoopOptions{Once: once}, func(line api.WatchLine) error {
				if a.jsonOut {
					return a.printJSON(line)
				}
				a.printWatchLine(line)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "exit when the stream ends instead of reconnecting")
	return cmd
}

func (a *App) printWatchLine(line api.WatchLine) {
	stamp := a.styles.muted.Render(line.EmittedAt.Local().Format("15:04:05"))
	switch line.Type {
	case api.WatchSnapshot:
		if line.Change != nil {
			_, _ = fmt.Fprintf(a.out, "%s %d ports, %d boards attached\n", stamp, len(line.Change.New.Ports), len(line.Change.New.Boards))
		}
		return
	case api.WatchConfig:
		_, _ = fmt.Fprintf(a.out, "%s selected %s\n", stamp, a.selectionLabel(line.Config))
		return
	case api.WatchAvailable:
		_, _ = fmt.Fprintf(a.out, "%s %d boards available\n", stamp, len(line.Available))
		return
	}
	if line.Diff == nil {
		return
	}
	d := line.Diff
	for _, p := range d.AttachedPorts {
		_, _ = fmt.Fprintf(a.out, "%s %s port %s\n", stamp, a.styles.ok.Render("+"), p.String())
	}
	for _, p := range d.DetachedPorts {
		_, _ = fmt.Fprintf(a.out, "%s %s port %s\n", stamp, a.styles.fail.Render("-"), p.String())
	}
	for _, b := range d.AttachedBoards {
		_, _ = fmt.Fprintf(a.out, "%s %s board %s\n", stamp, a.styles.ok.Render("+"), boardLabel(b))
	}
	for _, b := range d.DetachedBoards {
		_, _ = fmt.Fprintf(a.out, "%s %s board %s\n", stamp, a.styles.fail.Render("-"), boardLabel(b))
	}
}

func (a *App) table(headers []string, rows [][]string) string {
	header, cell := a.styles.header, a.styles.plain
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header.PaddingRight(2)
			}
			return cell.PaddingRight(2)
		}).
		String()
}

func (a *App) selectionLabel(cfg *model.BoardsConfig) string {
	board, port := a.styles.muted.Render("none"), a.styles.muted.Render("none")
	if cfg == nil {
		return board
	}
	if b := cfg.SelectedBoard; b != nil {
		board = boardLabel(*b)
	}
	if p := cfg.SelectedPort; p != nil {
		port = p.String()
	}
	return board + " on " + port
}

func boardLabel(b model.Board) string {
	if b.FQBN == "" {
		return b.Name
	}
	return fmt.Sprintf("%s (%s)", b.Name, b.FQBN)
}
