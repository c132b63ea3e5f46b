package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"testbed/internal/color"
	"testbed/pkg/logging"
)

var (
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "testbed",
	Short: "Start the services an integration test needs, then run it",
	Long: `testbed reads a scenario file describing the services an integration
test depends on, starts them as local processes, containers, Kubernetes
deployments or OpenShift deployments, waits until each one is ready and
runs the test against them. Everything is torn down afterwards.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. invalid scenarios, failed services)
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		format := logging.Format(logFormat)
		if format != logging.FormatText && format != logging.FormatJSON {
			return fmt.Errorf("unknown log format %q (want text or json)", logFormat)
		}
		logging.Init(level, format, cmd.ErrOrStderr())
		color.Initialize(lipgloss.HasDarkBackground())
		return nil
	},
}

// exitError carries the exit status of the test command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("test command exited with status %d", e.code)
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v // Set cobra's version field as well
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	// Set up version template
	rootCmd.SetVersionTemplate(`{{printf "testbed version %s\n" .Version}}`)

	err := rootCmd.Execute()
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	if err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", string(logging.FormatText), "Log format (text or json)")
}
