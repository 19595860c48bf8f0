package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/plugins"
)

func newFamiliesCommand(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "families",
		Short: "List the managed object families in apply order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := plugins.Default(nil)
			if err != nil {
				return err
			}
			for _, family := range registry.Families() {
				shapes := make([]string, 0, len(family.Shapes()))
				for _, shape := range family.Shapes() {
					shapes = append(shapes, shape.Name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", family.Name(), strings.Join(shapes, ", "))
			}
			return nil
		},
	}
}

func newPlatformVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "platform-version",
		Short: "Print the Dokku version of the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnvironment(cmd.Context(), func(env *environment) error {
				version, err := env.session.PlatformVersion(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			})
		},
	}
}

func newRenderCommand(opts *rootOptions) *cobra.Command {
	var (
		privileged bool
		stdin      string
	)

	cmd := &cobra.Command{
		Use:   "render -- argv...",
		Short: "Show how a command would be invoked on the host",
		Long: `Render resolves a command for the configured host and acting identity and
prints the process invocation without running anything. It fails when the
identity is not allowed to run the command at all.`,
		Example: `  # What does a privileged cat become for the dokku service account?
  dokkusync --host paas.example.com render --privileged -- cat /etc/hosts

  # A management command with a stdin payload
  dokkusync render --stdin "$(cat id_ed25519.pub)" -- dokku ssh-keys:add admin`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			identity, err := localIdentity()
			if err != nil {
				return err
			}

			var cmdOpts []command.Option
			if privileged {
				cmdOpts = append(cmdOpts, command.Privileged())
			}
			if cmd.Flags().Changed("stdin") {
				cmdOpts = append(cmdOpts, command.WithStdin(stdin))
			}

			ectx := cfg.ExecutionContext(identity)
			inv, err := ectx.Resolve(command.New(args, cmdOpts...))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "case: %s\n", ectx.Case())
			fmt.Fprintln(out, inv.Render())
			return nil
		},
	}

	cmd.Flags().BoolVar(&privileged, "privileged", false, "mark the command as needing privilege escalation")
	cmd.Flags().StringVar(&stdin, "stdin", "", "stdin payload")

	return cmd
}
