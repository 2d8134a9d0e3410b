package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/ttycast/ttycast/internal/cli/config"
	"github.com/ttycast/ttycast/internal/client"
	"github.com/ttycast/ttycast/internal/clientbridge"
	"github.com/ttycast/ttycast/internal/export"
	"github.com/ttycast/ttycast/internal/logstream"
)

type rootOptions struct {
	url         string
	basin       string
	timeout     time.Duration
	configPath  string
	contextName string
	conn        *client.Connection
	logger      *slog.Logger
}

func (r *rootOptions) prepare() error {
	resolved, err := client.ResolveConnection(r.configPath, r.contextName, r.url, r.basin, r.timeout)
	if err != nil {
		return err
	}
	r.url = resolved.URL
	r.basin = resolved.Basin
	r.timeout = resolved.Timeout
	r.conn = resolved
	return nil
}

func (r *rootOptions) dial() (*logstream.JetStream, error) {
	return r.conn.Dial(r.logger)
}

func main() {
	opts := &rootOptions{
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	rootCmd := &cobra.Command{
		Use:   "ttycast",
		Short: "Stream, attach to, and replay terminal sessions over durable record logs",
	}
	defaultConfig := os.Getenv("TTYCAST_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to ttycast config file (default $HOME/.ttycast/config)")
	rootCmd.PersistentFlags().StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", "", "broker URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.basin, "basin", "", "stream namespace prefix (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "client timeout; defaults to config or 15s")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// Doctor is the troubleshooting tool and must run even when the
		// config is broken, so it resolves settings on its own.
		for c := cmd; c != nil; c = c.Parent() {
			if c.Name() == "doctor" {
				return nil
			}
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newAttachCmd(opts))
	rootCmd.AddCommand(newSessionsCmd(opts))
	rootCmd.AddCommand(newExportCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newAttachCmd(root *rootOptions) *cobra.Command {
	var since time.Duration
	var speedup float64
	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach the local terminal to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if speedup <= 0 {
				return fmt.Errorf("speedup must be positive")
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			logs, err := root.dial()
			if err != nil {
				return err
			}
			defer logs.Close()
			var sinceMs int64
			if since > 0 {
				sinceMs = time.Now().Add(-since).UnixMilli()
			}
			return clientbridge.Attach(ctx, clientbridge.Config{
				Logs:      logs,
				SessionID: args[0],
				Since:     sinceMs,
				Speedup:   speedup,
				Logger:    root.logger,
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "replay output recorded this far back before going live (0 = live only)")
	cmd.Flags().Float64Var(&speedup, "speedup", 1, "replay acceleration factor")
	return cmd
}

func newSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions hosted on the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), root.timeout)
			defer cancel()
			logs, err := root.dial()
			if err != nil {
				return err
			}
			defer logs.Close()
			infos, err := logs.Sessions(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tLAST SEQ\tLAST ACTIVITY")
			for _, info := range infos {
				last := "<never>"
				if info.LastActivity > 0 {
					last = time.UnixMilli(info.LastActivity).Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", info.SessionID, info.LastSeq, last)
			}
			return tw.Flush()
		},
	}
	return cmd
}

func newExportCmd(root *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Dump a session's output log to a compressed archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			logs, err := root.dial()
			if err != nil {
				return err
			}
			defer logs.Close()
			path := output
			if path == "" {
				path = args[0] + ".ttyrec.zst"
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			n, err := export.Write(ctx, logs, args[0], f)
			if err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Printf("exported %d records to %s\n", n, path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default <session-id>.ttyrec.zst)")
	return cmd
}
