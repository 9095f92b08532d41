package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/g960059/boardmon/internal/api"
	"github.com/g960059/boardmon/internal/model"
)

func (a *App) newUploadCommand() *cobra.Command {
	flags := &monitorFlags{}
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Tell the daemon an upload is using a port",
	}
	flags.register(cmd)

	start := &cobra.Command{
		Use:   "start",
		Short: "Pause monitors and hold new ones until the upload finishes",
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
			resp, err := client.UploadStarted(cmd.Context(), api.UploadRequest{MonitorRequest: req})
			if err != nil {
				return err
			}
			return a.printUpload(resp)
		},
	}

	var newAddress string
	finish := &cobra.Command{
		Use:   "finish",
		Short: "Resume monitors paused or queued for the upload",
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
			upload := api.UploadRequest{MonitorRequest: req}
			if newAddress != "" {
				upload.NewPort = &model.Port{Address: newAddress, Protocol: req.Port.Protocol}
			}
			resp, err := client.UploadFinished(cmd.Context(), upload)
			if err != nil {
				return err
			}
			return a.printUpload(resp)
		},
	}
	finish.Flags().StringVar(&newAddress, "new-port", "", "address the board re-enumerated on after the upload")

	cmd.AddCommand(start, finish)
	return cmd
}

func (a *App) printUpload(resp api.UploadResponse) error {
	if a.jsonOut {
		return a.printJSON(resp)
	}
	if resp.UploadInProgress {
		_, _ = fmt.Fprintln(a.out, a.styles.warn.Render("upload in progress"))
		return nil
	}
	_, _ = fmt.Fprintln(a.out, a.styles.ok.Render("no upload in progress"))
	return nil
}
