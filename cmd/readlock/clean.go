package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"readlock/event"
	"readlock/strategy"
)

func newCleanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean DIR",
		Short: "Delete orphaned .camelLock marker files left by crashed consumers",
		Long: `Clean removes marker files under DIR. Only run it while no consumer is
polling DIR: a live consumer's markers look exactly like orphans.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.clean(cmd, args[0])
		},
	}
	cmd.Flags().Bool("recursive", false, "also clean sub directories")
	return cmd
}

func (a *app) clean(cmd *cobra.Command, dir string) error {
	recorder := &event.Recorder{}
	bus := event.NewMemoryEventBus(event.WithLogger(a.logger))
	bus.Subscribe(event.EventOrphanDeleted, recorder.Handle)

	marker := strategy.NewMarkerFile(a.ops,
		strategy.WithLogger(a.logger),
		strategy.WithEventBus(bus),
		strategy.WithMarkerFile(true),
		strategy.WithDeleteOrphanLockFiles(true),
		strategy.WithRecursive(a.cfg.Recursive),
	)
	if err := marker.PrepareOnStartup(cmd.Context(), dir); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range recorder.Events() {
		fmt.Fprintf(out, "deleted %s\n", e.Data["lock_file"])
	}
	fmt.Fprintf(out, "%d orphaned lock files deleted\n", recorder.Count(event.EventOrphanDeleted))
	return nil
}
