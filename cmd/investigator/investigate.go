package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/metric-investigator/internal/models"
)

type investigateOptions struct {
	feedback []string
	output   string
	timeout  time.Duration
}

func newInvestigateCmd(root *rootOptions) *cobra.Command {
	opts := &investigateOptions{}
	cmd := &cobra.Command{
		Use:   "investigate <question>",
		Short: "Run one investigation and print the conversation",
		Long: `Runs the decision loop for a single question and prints the final
conversation: every executed step and, when the loop concluded, the report.
Each --feedback value re-runs the loop on the same conversation, in order.`,
		Example: `  investigator investigate "Why did DAU drop on Jan 28?"
  investigator investigate "Why did DAU drop?" --feedback "look at android only" -o json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}
			return runInvestigate(ctx, cmd.OutOrStdout(), root.configPath, strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.feedback, "feedback", nil, "feedback applied after the first run (repeatable)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "yaml", "output format: yaml or json")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "overall deadline (0 disables)")
	return cmd
}

func runInvestigate(ctx context.Context, out io.Writer, configPath, query string, opts *investigateOptions) error {
	if opts.output != "yaml" && opts.output != "json" {
		return fmt.Errorf("unsupported output format %q", opts.output)
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	conv, runErr := a.engine.StartOrResume(ctx, query, "")
	for _, fb := range opts.feedback {
		if runErr != nil {
			break
		}
		conv, runErr = a.engine.SubmitFeedback(ctx, conv.ConversationID, fb)
	}

	// A failed run still gathered evidence worth printing.
	if conv != nil {
		if err := writeConversation(out, conv, opts.output); err != nil {
			return err
		}
	}
	if runErr != nil {
		a.logger.Error("investigation failed", zap.Error(runErr))
		return runErr
	}
	return nil
}

// writeConversation renders conv in format. YAML goes through the JSON
// encoding so field names and step encoding match the API.
func writeConversation(out io.Writer, conv *models.ConversationContext, format string) error {
	raw, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if format == "json" {
		_, err = fmt.Fprintln(out, string(raw))
		return err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return enc.Close()
}
