package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/stores"
)

func newApplyCommand(opts *rootOptions) *cobra.Command {
	var (
		input   string
		format  string
		force   bool
		execute bool
		journal string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Replay a snapshot onto the host",
		Long: `Apply turns a snapshot into the Dokku commands that recreate it.

By default it only prints the plan, one replayable shell line per command,
and the host is asked for nothing but its Dokku version. With --execute
the commands run in order and the first failure stops the run.

The snapshot must have been taken on the same Dokku version as the live
host unless --force is given.`,
		Example: `  # Show what a restore would do
  dokkusync apply -i paas.json

  # Restore onto a new host
  dokkusync --host new.example.com apply -i paas.json --execute

  # Restore and keep a journal of every command
  dokkusync apply -i paas.yaml --execute --journal /var/lib/dokkusync/journal.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapFormat, err := outputFormat(format, input)
			if err != nil {
				return err
			}
			data, err := readSnapshot(cmd.InOrStdin(), input)
			if err != nil {
				return err
			}

			mode := engine.ModePlan
			if execute {
				mode = engine.ModeExecute
			}

			return opts.withEnvironment(cmd.Context(), func(env *environment) error {
				snap, err := engine.Decode(data, snapFormat, env.registry)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				hook := func(_ context.Context, step engine.Step) error {
					_, err := fmt.Fprintln(out, step.Command.Render())
					return err
				}

				journalPath := journal
				if journalPath == "" {
					journalPath = env.cfg.Journal
				}
				if journalPath == "" {
					_, err := env.driver.Apply(cmd.Context(), env.session, snap, engine.ApplyOptions{
						Mode: mode, Force: force, Hook: hook,
					})
					return err
				}

				return applyJournaled(cmd.Context(), env, journalPath, input, snap, engine.ApplyOptions{
					Mode: mode, Force: force, Hook: hook,
				})
			})
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "-", "snapshot file, - for stdin")
	cmd.Flags().StringVarP(&format, "format", "f", "", "json or yaml (default from the file extension, else json)")
	cmd.Flags().BoolVar(&force, "force", false, "apply a snapshot taken on another Dokku version")
	cmd.Flags().BoolVarP(&execute, "execute", "x", false, "run the commands instead of printing them")
	cmd.Flags().StringVar(&journal, "journal", "", "record the run in this SQLite journal")

	return cmd
}

// applyJournaled runs the apply pass with every step recorded in the
// journal at path.
func applyJournaled(ctx context.Context, env *environment, path, snapshotPath string, snap *engine.Snapshot, applyOpts engine.ApplyOptions) (err error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	// A version query failure surfaces from Apply itself.
	live, _ := env.session.PlatformVersion(ctx)

	j, err := stores.BeginRun(ctx, store, stores.Run{
		Mode:            string(applyOpts.Mode),
		SnapshotPath:    snapshotPath,
		SnapshotVersion: snap.Version,
		PlatformVersion: live,
		Host:            env.cfg.Host,
	})
	if err != nil {
		return err
	}
	env.tel.Logger.WithField("journal_run_id", j.RunID()).Infof("journaling apply run to %s", path)

	applyOpts.Hook = j.Hook(applyOpts.Hook)
	_, err = env.driver.Apply(ctx, env.session, snap, applyOpts)

	if ferr := j.Finish(context.WithoutCancel(ctx), err); ferr != nil && err == nil {
		err = ferr
	}
	return err
}
