package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/boardmon/internal/api"
	"github.com/g960059/boardmon/internal/appclient"
	"github.com/g960059/boardmon/internal/model"
	"github.com/g960059/boardmon/internal/wire"
)

type monitorFlags struct {
	fqbn     string
	address  string
	protocol string
}

func (f *monitorFlags) request() (api.MonitorRequest, error) {
	if strings.TrimSpace(f.fqbn) == "" || strings.TrimSpace(f.address) == "" {
		return api.MonitorRequest{}, usagef("--fqbn and --port are required")
	}
	return api.MonitorRequest{
		FQBN: f.fqbn,
		Port: model.Port{Address: f.address, Protocol: f.protocol},
	}, nil
}

func (f *monitorFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.fqbn, "fqbn", "", "board FQBN")
	cmd.PersistentFlags().StringVar(&f.address, "port", "", "port address")
	cmd.PersistentFlags().StringVar(&f.protocol, "protocol", "serial", "port protocol")
}

func (a *App) newMonitorCommand() *cobra.Command {
	flags := &monitorFlags{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Manage serial monitors",
	}
	flags.register(cmd)
	cmd.AddCommand(
		a.newMonitorListCommand(),
		a.newMonitorActionCommand(flags, "start", "Start the monitor", (*appclient.Client).StartMonitor),
		a.newMonitorActionCommand(flags, "stop", "Stop the monitor", (*appclient.Client).StopMonitor),
		a.newMonitorSettingsCommand(flags),
		a.newMonitorSendCommand(flags),
		a.newMonitorAttachCommand(flags),
	)
	return cmd
}

func (a *App) newMonitorListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List monitor sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			env, err := client.Monitors(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(env)
			}
			if env.UploadInProgress {
				_, _ = fmt.Fprintln(a.out, a.styles.warn.Render("upload in progress"))
			}
			if len(env.Monitors) == 0 {
				_, _ = fmt.Fprintln(a.out, a.styles.muted.Render("no monitors"))
				return nil
			}
			rows := make([][]string, 0, len(env.Monitors))
			for _, m := range env.Monitors {
				rows = append(rows, []string{m.FQBN, m.Port.String(), m.State, a.styles.connection(m.Status), fmt.Sprint(m.Subscribers)})
			}
			_, _ = fmt.Fprintln(a.out, a.table([]string{"FQBN", "PORT", "STATE", "STATUS", "SUBSCRIBERS"}, rows))
			return nil
		},
	}
}

type monitorAction func(*appclient.Client, context.Context, api.MonitorRequest) (api.MonitorActionResponse, error)

func (a *App) newMonitorActionCommand(flags *monitorFlags, use, short string, action monitorAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			resp, err := action(client, cmd.Context(), req)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(resp)
			}
			_, _ = fmt.Fprintf(a.out, "%s %s\n", resp.Identity, a.styles.ok.Render(resp.ResultCode))
			return nil
		},
	}
}

func (a *App) newMonitorSettingsCommand(flags *monitorFlags) *cobra.Command {
	var set []string
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change monitor settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			partial, err := parseSettingAssignments(set)
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			var env api.MonitorSettingsEnvelope
			if len(partial) == 0 {
				env, err = client.MonitorSettings(cmd.Context(), req)
			} else {
				env, err = client.ChangeMonitorSettings(cmd.Context(), api.MonitorSettingsRequest{MonitorRequest: req, Settings: partial})
			}
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(env)
			}
			a.printSettings(env.Settings)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&set, "set", nil, "change a setting, as id=value (repeatable)")
	return cmd
}

// parseSettingAssignments turns id=value pairs into a partial settings map.
func parseSettingAssignments(pairs []string) (model.PluggableMonitorSettings, error) {
	out := model.PluggableMonitorSettings{}
	for _, pair := range pairs {
		id, value, ok := strings.Cut(pair, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, usagef("invalid --set %q, expected id=value", pair)
		}
		out[id] = model.MonitorSetting{ID: id, SelectedValue: strings.TrimSpace(value)}
	}
	return out, nil
}

func (a *App) printSettings(settings model.MonitorSettings) {
	if ui := settings.MonitorUISettings; ui != nil && ui.ConnectionStatus != nil {
		_, _ = fmt.Fprintf(a.out, "status: %s\n", a.styles.connection(*ui.ConnectionStatus))
	}
	ids := make([]string, 0, len(settings.PluggableMonitorSettings))
	for id := range settings.PluggableMonitorSettings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		s := settings.PluggableMonitorSettings[id]
		rows = append(rows, []string{id, s.Label, s.SelectedValue, a.styles.muted.Render(strings.Join(s.Values, " "))})
	}
	if len(rows) > 0 {
		_, _ = fmt.Fprintln(a.out, a.table([]string{"ID", "LABEL", "VALUE", "VALUES"}, rows))
	}
}

func (a *App) newMonitorSendCommand(flags *monitorFlags) *cobra.Command {
	var noNewline bool
	cmd := &cobra.Command{
		Use:   "send <message>...",
		Short: "Send a message to the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			message := strings.Join(args, " ")
			if !noNewline {
				message += "\n"
			}
			resp, err := client.SendMonitor(cmd.Context(), api.MonitorSendRequest{MonitorRequest: req, Message: message})
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(resp)
			}
			_, _ = fmt.Fprintf(a.out, "%s %s\n", resp.Identity, a.styles.ok.Render(resp.ResultCode))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&noNewline, "no-newline", "n", false, "do not append a newline")
	return cmd
}

func (a *App) newMonitorAttachCommand(flags *monitorFlags) *cobra.Command {
	var (
		start       bool
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Stream monitor output to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			stream, _, err := client.OpenMonitorStream(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer stream.Close() //nolint:errcheck
			go func() {
				<-cmd.Context().Done()
				_ = stream.Close()
			}()
			if err := stream.Attach(req.FQBN, req.Port, start); err != nil {
				return err
			}
			if interactive {
				go a.forwardInput(stream)
			}
			return a.pumpStream(cmd.Context(), stream)
		},
	}
	cmd.Flags().BoolVar(&start, "start", true, "start the monitor when it is not running")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "send stdin lines to the device")
	return cmd
}

func (a *App) forwardInput(stream *appclient.MonitorStream) {
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		if err := stream.SendMessage(scanner.Text() + "\n"); err != nil {
			return
		}
	}
}

// pumpStream prints frames until the stream closes.
func (a *App) pumpStream(ctx context.Context, stream *appclient.MonitorStream) error {
	for {
		env, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			var streamErr *appclient.StreamError
			if errors.As(err, &streamErr) && streamErr.Code == "e_monitor_closed" {
				_, _ = fmt.Fprintln(a.errOut, a.styles.muted.Render("monitor closed"))
				return nil
			}
			if errors.As(err, &streamErr) && streamErr.Recoverable {
				_, _ = fmt.Fprintf(a.errOut, "%s %s\n", a.styles.warn.Render("warning:"), streamErr.Error())
				continue
			}
			return err
		}
		switch env.Command {
		case wire.CommandAttached:
			var payload wire.AttachedPayload
			if err := env.DecodeData(&payload); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.errOut, "%s %s\n", a.styles.info.Render("attached"), payload.Identity)
		case wire.CommandData:
			var payload wire.DataPayload
			if err := env.DecodeData(&payload); err != nil {
				return err
			}
			if payload.Dropped > 0 {
				_, _ = fmt.Fprintf(a.errOut, "%s %d lines dropped\n", a.styles.warn.Render("warning:"), payload.Dropped)
			}
			for _, line := range payload.Lines {
				_, _ = io.WriteString(a.out, line)
			}
		case wire.CommandSettingsDidChange:
			var payload wire.SettingsPayload
			if err := env.DecodeData(&payload); err != nil {
				return err
			}
			if ui := payload.MonitorUISettings; ui != nil && ui.ConnectionStatus != nil {
				_, _ = fmt.Fprintf(a.errOut, "%s\n", a.styles.connection(*ui.ConnectionStatus))
			}
		}
	}
}
