package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot()
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(outcomeExit(err))
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createCheckCommand(globalFlags),
		createSendCommand(globalFlags),
		createServeCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "clickhousejson",
		Short: "Write log records to ClickHouse as JSONEachRow over HTTP",
		Long: `clickhousejson formats log records as JSONEachRow lines and inserts them
into ClickHouse through its HTTP interface.

Examples:
  clickhousejson check --config out.toml
  clickhousejson send --config out.toml --tag app.web events.ndjson
  clickhousejson serve --config out.toml --listen :9880`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func createCheckCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the startup health check against ClickHouse",
		Long: `Validate the configuration and run SHOW TABLES against the endpoint, the same
check the output performs before accepting records.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdCheck(cmd.Context(), CheckFlags{ConfigPath: globalFlags.ConfigPath}, cmd.OutOrStdout())
		},
	}
}

func createSendCommand(globalFlags *GlobalFlags) *cobra.Command {
	sendFlags := &SendFlags{}
	cmd := &cobra.Command{
		Use:   "send [file.ndjson]",
		Short: "Send NDJSON records from a file or stdin",
		Long: `Read one JSON object per line, group the records into chunks by the configured
chunk keys and write every chunk once.

Examples:
  clickhousejson send --config out.toml --tag app.web events.ndjson
  cat events.ndjson | clickhousejson send --config out.toml --tag app.web --time-key time`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *sendFlags
			f.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				f.Input = args[0]
			}
			return cmdSend(cmd.Context(), f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sendFlags.Tag, "tag", "clickhousejson", "tag attached to every record")
	cmd.Flags().StringVar(&sendFlags.TimeKey, "time-key", "", "record field holding the event time")
	return cmd
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept NDJSON records over HTTP",
		Long: `Start an HTTP server accepting POST /ingest/:tag with NDJSON bodies. Every
request is written to ClickHouse before it is answered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *serveFlags
			f.ConfigPath = globalFlags.ConfigPath
			return cmdServe(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", ":9880", "listen address")
	cmd.Flags().StringVar(&serveFlags.BasePath, "base-path", "", "path prefix for all endpoints")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "clickhousejson %s\n", version)
		},
	}
}
