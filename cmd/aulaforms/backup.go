package main

import (
	"fmt"

	"github.com/aulaforms/aulaforms/backup"
	"github.com/spf13/cobra"
)

func newBackupCmd(c *cli) *cobra.Command {
	var logs bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Upload snapshots of the record files to s3",
		Long: `Backup reads every record file under its lock and uploads a
compressed copy as <prefix>/<YYYY-MM-DD>/<file>.<br|zst>.

With --logs it also uploads log files of past days and deletes them
locally.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			b, err := a.openBackup(cmd.Context())
			if err != nil {
				return err
			}
			rep := b.Run(cmd.Context(), a.recordFiles())
			if err = writePrettyJSON(cmd.OutOrStdout(), rep, false); err != nil {
				return err
			}
			if logs {
				lrep, err := b.UploadLogs(cmd.Context())
				if err != nil {
					return err
				}
				if err = writePrettyJSON(cmd.OutOrStdout(), lrep, false); err != nil {
					return err
				}
				if len(lrep.Failed) > 0 {
					return fmt.Errorf("backup: %d log files failed", len(lrep.Failed))
				}
			}
			if len(rep.Failed) > 0 {
				return fmt.Errorf("backup: %d files failed", len(rep.Failed))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&logs, "logs", false, "also upload log files of past days")
	cmd.AddCommand(newBackupGetCmd(c))
	return cmd
}

func newBackupGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <object>",
		Short: "Download a snapshot and print it decompressed",
		Long: `Example:
  aulaforms backup get aulaforms/2026-10-19/materias.csv.zst > materias.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s3, err := c.app.openS3(cmd.Context())
			if err != nil {
				return err
			}
			d, err := s3.Download(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if d, err = backup.Decompress(args[0], d); err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(d)
			return err
		},
	}
}
