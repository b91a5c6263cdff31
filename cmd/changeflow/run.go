package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/envelope"
	"github.com/spf13/cobra"
)

type runOptions struct {
	client      string
	request     string
	priority    string
	category    string
	attachments []string
	stdin       bool
	stream      bool
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one request through the pipeline",
		Long: `Run one change request through the pipeline and print the result as JSON.

Examples:
  # From flags
  changeflow run --client acme.com --request "Add a Services button below the hero"

  # From a JSON payload on stdin
  echo '{"client_id":"acme.com","request_text":"Fix the footer"}' | changeflow run --stdin

  # Print a line per completed stage
  changeflow run --client acme.com --request "..." --stream`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := ro.inbound(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := req.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, opts, req, ro.stream, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&ro.client, "client", "", "client id or website domain")
	cmd.Flags().StringVar(&ro.request, "request", "", "change request text")
	cmd.Flags().StringVar(&ro.priority, "priority", "", "urgent, high, normal or low")
	cmd.Flags().StringVar(&ro.category, "category", "", "category hint")
	cmd.Flags().StringSliceVar(&ro.attachments, "attach", nil, "attachment file id (repeatable)")
	cmd.Flags().BoolVar(&ro.stdin, "stdin", false, "read the request JSON from stdin instead of flags")
	cmd.Flags().BoolVar(&ro.stream, "stream", false, "print stage progress to stderr")
	return cmd
}

func (o *runOptions) inbound(stdin io.Reader) (*envelope.InboundRequest, error) {
	if o.stdin {
		return readRequest(stdin)
	}
	return &envelope.InboundRequest{
		ClientID:      o.client,
		RequestText:   o.request,
		Priority:      o.priority,
		CategoryHint:  o.category,
		AttachmentIDs: o.attachments,
	}, nil
}

func runOnce(ctx context.Context, opts *globalOptions, req *envelope.InboundRequest, stream bool, stdout, stderr io.Writer) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	ctx, cancel := context.WithTimeout(ctx, cfg.Server.RequestTimeout)
	defer cancel()

	var rc *envelope.RequestContext
	if stream {
		outputs, done, err := a.runner.RunWithStream(ctx, req)
		if err != nil {
			return err
		}
		for out := range outputs {
			if out.Error != nil {
				fmt.Fprintf(stderr, "%s -> %s (error: %v)\n", out.Stage, out.Next, out.Error)
				continue
			}
			fmt.Fprintf(stderr, "%s -> %s\n", out.Stage, out.Next)
		}
		res := <-done
		rc, err = res.Context, res.Err
		if err != nil {
			return err
		}
	} else {
		rc, err = a.runner.Run(ctx, req)
		if err != nil {
			return err
		}
	}
	return writeJSON(stdout, rc.ToResultDict())
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a request payload read from stdin",
		Long: `Read an inbound request JSON object from stdin and report whether it
would be accepted by the webhook. Prints the normalized client id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readRequest(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := req.Validate(); err != nil {
				return err
			}
			priority, _ := envelope.ParsePriority(req.Priority)
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"valid":       true,
				"client_id":   envelope.SanitizeDomain(req.ClientID),
				"website_url": envelope.EnsureURL(envelope.SanitizeDomain(req.ClientID)),
				"priority":    string(priority),
			})
		},
	}
}

// readRequest decodes one inbound request JSON object.
func readRequest(r io.Reader) (*envelope.InboundRequest, error) {
	var payload map[string]any
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no request on stdin")
		}
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return envelope.FromMap(payload)
}
