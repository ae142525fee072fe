package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"appforge/pkg/orchestrator"
	"appforge/pkg/proto"
)

func runCmd(a *app) *cobra.Command {
	var (
		projectID string
		userID    string
		asJSON    bool
		quiet     bool
	)
	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Run one request and stream its events",
		Long: `Run sends one message through the orchestration loop and prints its
events as they arrive. Generated text is streamed unless --quiet is set.
With --json every event is written as one JSON line.

Project state is loaded before and saved after the run, so follow-up
requests against the same --project continue the conversation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			k, err := a.newKernel(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			req := orchestrator.Request{
				ProjectID: projectID,
				UserID:    userID,
				Message:   strings.Join(args, " "),
			}
			if k.Messages != nil {
				history, err := k.Messages.History(ctx, projectID, a.cfg.Orchestrator.HistoryWindow)
				if err != nil {
					k.Logger.Warn("Failed to load history for project %s: %v", projectID, err)
				}
				req.History = history
			}

			var sink orchestrator.EventSink
			if asJSON {
				sink = jsonPrinter{w: cmd.OutOrStdout()}
			} else {
				sink = &textPrinter{w: cmd.OutOrStdout(), quiet: quiet}
			}

			_, err = k.Run(ctx, req, sink)
			if errors.Is(err, orchestrator.ErrIncomplete) || errors.Is(err, context.Canceled) {
				return err
			}
			if err != nil {
				return fmt.Errorf("run failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "default", "Project ID")
	cmd.Flags().StringVarP(&userID, "user", "u", "local", "User ID")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON lines")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not stream generated text")
	return cmd
}

// jsonPrinter writes one JSON event per line.
type jsonPrinter struct {
	w io.Writer
}

func (p jsonPrinter) Send(e proto.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(p.w, "%s\n", data)
	return err
}

// textPrinter renders events for a terminal. content_update events carry the
// cumulative text, so only the new suffix is printed.
type textPrinter struct {
	w       io.Writer
	quiet   bool
	printed int
}

func (p *textPrinter) Send(e proto.Event) error {
	var err error
	switch e.Type {
	case proto.EventAgentStart:
		p.printed = 0
		_, err = fmt.Fprintf(p.w, "\n==> [%s] %s\n", e.Stage, e.Content)
	case proto.EventContentUpdate:
		if p.quiet || len(e.Content) <= p.printed {
			return nil
		}
		_, err = io.WriteString(p.w, e.Content[p.printed:])
		p.printed = len(e.Content)
	case proto.EventAgentComplete:
		if p.printed > 0 {
			_, err = io.WriteString(p.w, "\n")
		}
		if err == nil {
			_, err = fmt.Fprintf(p.w, "<== [%s] %s\n", e.Stage, e.Content)
		}
	case proto.EventComplete, proto.EventIncomplete:
		_, err = fmt.Fprintf(p.w, "\n%s\n", e.Content)
		if err == nil && e.Error != "" {
			_, err = fmt.Fprintf(p.w, "(%s)\n", e.Error)
		}
	case proto.EventError:
		_, err = fmt.Fprintf(p.w, "\nerror: %s\n", e.Error)
		if err == nil && e.Details != "" {
			_, err = fmt.Fprintf(p.w, "  %s\n", e.Details)
		}
	}
	return err
}
