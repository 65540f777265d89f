package main

import (
	"fmt"

	"github.com/aulaforms/aulaforms/recordstore"
	"github.com/spf13/cobra"
)

func newCatCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cat <file>",
		Short: "Print a record file",
		Long: `Cat reads a record file under its lock and prints it. The path is
relative to remote.dir.

Example:
  aulaforms cat materias.csv
  aulaforms cat asistencia/asistencia_20261019.csv --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			out := cmd.OutOrStdout()
			if asJSON {
				recs, err := a.store.Rows(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if recs == nil {
					recs = []recordstore.Record{}
				}
				return writePrettyJSON(out, recs, false)
			}
			res := a.store.ReadFile(cmd.Context(), args[0])
			switch res.Kind {
			case recordstore.Error:
				return res.Err
			case recordstore.Empty:
				fmt.Fprintf(cmd.ErrOrStderr(), "%s doesn't exist or is empty\n", a.store.Path(args[0]))
				return nil
			}
			_, err := out.Write(res.Data)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print rows as json objects keyed by header")
	return cmd
}

func newUnlockCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <file>",
		Short: "Remove the lock of a record file",
		Long: `Unlock removes a lock file left behind by a crashed process. Only
use it when no other process can be writing to the file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			out := cmd.OutOrStdout()
			lease, err := a.store.LockInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if lease != nil {
				fmt.Fprintf(out, "lock held by '%s' since %s\n", lease.Holder, lease.Acquired.Format("2006-01-02 15:04:05"))
			}
			removed, err := a.store.ForceUnlock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if removed {
				fmt.Fprintf(out, "removed lock of %s\n", a.store.Path(args[0]))
			} else {
				fmt.Fprintf(out, "%s is not locked\n", a.store.Path(args[0]))
			}
			return nil
		},
	}
}
