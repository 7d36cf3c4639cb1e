package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/metakill/metakill/core"
	"github.com/metakill/metakill/internal/logging"
	"github.com/metakill/metakill/internal/settings"
)

var version = "dev"

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		core.PrintError(err.Error())
		os.Exit(1)
	}
}

// app is the state shared by all subcommands, filled in before any of
// them runs.
type app struct {
	settings *settings.Settings
	log      zerolog.Logger
	printer  *core.Printer
}

func NewRootCommand() *cobra.Command {
	var (
		configFile string
		envFile    string
		verbose    bool
		jsonOut    bool
	)
	a := &app{log: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "metakill",
		Short: "Strip metadata from photos and videos",
		Long: `metakill detects and removes EXIF, GPS, IPTC, XMP, QuickTime user data,
chapters and other embedded metadata while keeping the picture and sound.

Settings come from an optional config file, a .env file and METAKILL_*
environment variables; run "metakill env" for the full list.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(configFile, envFile)
			if err != nil {
				return err
			}
			a.settings = s
			a.log = logging.NewWriter(cmd.ErrOrStderr(), s.Env, s.LogLevel)
			a.printer = core.NewPrinter(jsonOut, verbose)
			a.printer.Writer = cmd.OutOrStdout()
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, toml, json or edn)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON instead of text")

	rootCmd.AddCommand(newInspectCommand(a))
	rootCmd.AddCommand(newCleanCommand(a))
	rootCmd.AddCommand(newServeCommand(a))
	rootCmd.AddCommand(newEnvCommand())

	return rootCmd
}

func newEnvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Describe the environment variables metakill reads",
		Args:  cobra.NoArgs,
		// settings are not loaded so this works with a broken environment
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), settings.Usage())
			return err
		},
	}
}
