package commands

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/dokkusync/pkg/engine"
)

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		output   string
		indent   int
		format   string
		apps     []string
		families []string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the host state to a snapshot",
		Long: `Export reads every managed object family from the host and writes a
snapshot tagged with the live Dokku version.

Restricting the export to apps drops platform-wide objects (global config,
networks and deploy keys) from the snapshot.`,
		Example: `  # Export everything as JSON to stdout
  dokkusync export

  # Export two apps of a remote host as YAML
  dokkusync --host paas.example.com export --app web --app api -o web.yaml

  # Export only config and domains
  dokkusync export --family config --family domains -o partial.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapFormat, err := outputFormat(format, output)
			if err != nil {
				return err
			}

			return opts.withEnvironment(cmd.Context(), func(env *environment) error {
				snap, err := env.driver.Export(cmd.Context(), env.session, engine.ExportOptions{
					Families: families,
					Filter:   engine.Filter{Apps: apps},
				})
				if err != nil {
					return err
				}

				if output == "" || output == "-" {
					return snap.Encode(cmd.OutOrStdout(), snapFormat, indent)
				}
				return writeSnapshot(output, snap, snapFormat, indent)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "snapshot file, - for stdout")
	cmd.Flags().IntVar(&indent, "indent", 2, "spaces per indentation level, 0 for compact JSON")
	cmd.Flags().StringVarP(&format, "format", "f", "", "json or yaml (default from the file extension, else json)")
	cmd.Flags().StringSliceVarP(&apps, "app", "a", nil, "export only these apps")
	cmd.Flags().StringSliceVar(&families, "family", nil, "export only these families")

	return cmd
}

// outputFormat resolves the --format flag, falling back to the path.
func outputFormat(flag, path string) (engine.Format, error) {
	if flag != "" {
		return engine.ParseFormat(flag)
	}
	if path == "" || path == "-" {
		return engine.FormatJSON, nil
	}
	return engine.FormatFromPath(path), nil
}

// writeSnapshot encodes before touching path so a failed export leaves an
// existing file intact.
func writeSnapshot(path string, snap *engine.Snapshot, format engine.Format, indent int) error {
	var buf bytes.Buffer
	if err := snap.Encode(&buf, format, indent); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// readSnapshot reads path, or stdin for "-".
func readSnapshot(in io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(in)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}
