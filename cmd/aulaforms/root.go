package main

import (
	"fmt"

	"github.com/aulaforms/aulaforms/config"
	"github.com/spf13/cobra"
)

// commands with this annotation run without loading settings
const noConfig = "noconfig"

type cli struct {
	configFile string
	dotEnv     string
	verbose    bool

	app *app
	// newApp is replaced in tests
	newApp func(cfg *config.Settings) (*app, error)
}

func newRootCmd() *cobra.Command {
	return newRootCmdFor(&cli{newApp: newApp})
}

func newRootCmdFor(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "aulaforms",
		Short: "Academic forms backed by csv files on a remote host",
		Long: `aulaforms serves grading, enrollment and attendance forms. Every
submission is appended to a csv file on a remote host over sftp,
guarded by an advisory lock file.

Settings come from aulaforms.yaml, a .env file and AULA_* environment
variables, e.g. AULA_REMOTE_HOST.`,
		SilenceUsage:       true,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "config file (default: aulaforms.yaml if present)")
	root.PersistentFlags().StringVar(&c.dotEnv, "env", "", "env file (default: .env if present)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newServeCmd(c),
		newStatusCmd(c),
		newCatCmd(c),
		newUnlockCmd(c),
		newBackupCmd(c),
		newHashPasswordCmd(),
		newVersionCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[noConfig] != "" {
		return nil
	}
	cfg, err := config.Load(config.Options{ConfigFile: c.configFile, DotEnv: c.dotEnv})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.verbose {
		cfg.Log.Verbose = true
	}
	c.app, err = c.newApp(cfg)
	return err
}

func (c *cli) teardown(cmd *cobra.Command, args []string) error {
	if c.app != nil {
		c.app.close()
		c.app = nil
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{noConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "aulaforms %s\n", version)
		},
	}
}
