package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drblury/servicekit"
)

type rootOptions struct {
	url     string
	host    string
	port    int
	verbose bool

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "servicekit",
		Short:         "Broker and alert tooling for servicekit services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.url, "url", "", "connect to a running broker instead of embedding one, e.g. nats://localhost:6969")
	flags.StringVar(&opts.host, "host", "", "embedded broker bind address")
	flags.IntVar(&opts.port, "port", 0, "embedded broker port, -1 picks a free one")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(newBrokerCmd(opts), newAlertsCmd(opts), newSendCmd(opts))
	return root
}

func (o *rootOptions) config() servicekit.Config {
	cfg := servicekit.DefaultConfig()
	cfg.Broker.URL = o.url
	if o.host != "" {
		cfg.Broker.Host = o.host
	}
	if o.port != 0 {
		cfg.Broker.Port = o.port
	}
	return cfg
}

func (o *rootOptions) logger() servicekit.ServiceLogger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	return servicekit.NewSlogServiceLogger(slog.New(slog.NewTextHandler(o.stderr, &slog.HandlerOptions{Level: level})))
}

func (o *rootOptions) runtime(ctx context.Context) (*servicekit.Runtime, error) {
	rt, err := servicekit.NewRuntime(ctx, o.config(), o.logger())
	if err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	return rt, nil
}

func newBrokerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "broker",
		Short: "Run the embedded broker until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.url != "" {
				return fmt.Errorf("broker embeds its own server, --url is not allowed")
			}
			ctx := cmd.Context()
			rt, err := opts.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			fmt.Fprintf(opts.stdout, "broker listening on %s\n", rt.Broker().Endpoint())
			<-ctx.Done()
			return nil
		},
	}
}

func newAlertsCmd(opts *rootOptions) *cobra.Command {
	var severeOnly bool
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Print alert records until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := opts.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			err = rt.Alerts().Listen(ctx, func(r servicekit.AlertRecord) {
				if severeOnly && r.Severity != servicekit.Severe {
					return
				}
				fmt.Fprintln(opts.stdout, r.String())
			})
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&severeOnly, "severe", false, "only print SEVERE records")
	return cmd
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send ADDRESS PAYLOAD...",
		Short: "Send one text message to a queue:// or topic:// address",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.url == "" {
				return fmt.Errorf("send needs --url of a running broker")
			}
			ctx := cmd.Context()
			rt, err := opts.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			address := args[0]
			if err := rt.Broker().Send(ctx, address, strings.Join(args[1:], " ")); err != nil {
				return fmt.Errorf("send to %s: %w", address, err)
			}
			fmt.Fprintf(opts.stdout, "sent to %s\n", servicekit.ParseAddress(address))
			return nil
		},
	}
}
