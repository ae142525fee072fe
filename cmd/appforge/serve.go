package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func serveCmd(a *app) *cobra.Command {
	var (
		addr      string
		publicURL string
		noAuth    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve starts the HTTP API: the chat event stream, projects, messages,
project state and usage, secrets, Prometheus metrics and sandbox previews.
The secrets password also protects the API with basic auth (user "appforge")
unless --no-auth is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.WebUI.Addr = addr
			}
			if publicURL == "" {
				publicURL = "http://" + a.cfg.WebUI.Addr
			}
			a.kernelOptions.PreviewBaseURL = strings.TrimRight(publicURL, "/")
			if !noAuth {
				a.kernelOptions.WebPassword = a.password
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			k, err := a.newKernel(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := k.Close(); err != nil {
					k.Logger.Error("Kernel shutdown: %v", err)
				}
			}()

			bound, err := k.StartWebUI(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "appforge listening on http://%s\n", bound)

			<-ctx.Done()
			<-k.WebServer.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides webui.addr)")
	cmd.Flags().StringVar(&publicURL, "public-url", "", "Base URL used in preview links (default: http://<addr>)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Disable basic auth even when a secrets password is set")
	return cmd
}
