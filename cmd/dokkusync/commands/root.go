package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags. Flags that are set override the
// configuration file.
type rootOptions struct {
	configPath    string
	host          string
	port          int
	user          string
	transport     string
	logLevel      string
	logFormat     string
	metricsFile   string
	traceExporter string
	version       string
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &rootOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "dokkusync",
		Short: "Export and restore the state of a Dokku host",
		Long: `dokkusync reads the state of a Dokku host (apps, config, domains, networks,
proxy, ports, storage, process settings and deploy keys) into a portable
snapshot, and replays a snapshot onto a host.

The host is reached locally, through an external ssh client or through the
built-in SSH transport. Commands are rewritten for the acting identity:
privileged tools get sudo when needed and the Dokku service account only
ever receives Dokku subcommands.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file path")
	flags.StringVarP(&opts.host, "host", "H", "", "Dokku host, empty for this machine")
	flags.IntVarP(&opts.port, "port", "p", 0, "SSH port")
	flags.StringVarP(&opts.user, "user", "u", "", "remote login (default dokku)")
	flags.StringVar(&opts.transport, "transport", "", "remote transport: exec or ssh")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: console or json")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile on exit")
	flags.StringVar(&opts.traceExporter, "trace-exporter", "", "trace exporter: none, stdout or otlp")

	rootCmd.AddCommand(newExportCommand(opts))
	rootCmd.AddCommand(newApplyCommand(opts))
	rootCmd.AddCommand(newFamiliesCommand(opts))
	rootCmd.AddCommand(newPlatformVersionCommand(opts))
	rootCmd.AddCommand(newRenderCommand(opts))

	return rootCmd
}
