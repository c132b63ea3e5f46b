package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"testbed/internal/color"
	"testbed/internal/config"
	"testbed/internal/containerizer"
	"testbed/internal/logwatch"
	"testbed/internal/network"
	"testbed/internal/orchestrator"
	"testbed/internal/property"
	"testbed/internal/services"
	"testbed/internal/utils"
	"testbed/pkg/logging"
)

// envPrefix starts the names of the variables exported to the test command.
const envPrefix = "TESTBED"

type runOptions struct {
	environment string
	sets        []string
	keep        bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <scenario> [-- test command...]",
		Short: "Start the services of a scenario and run a test command against them",
		Long: `Starts every service of the scenario in declaration order and waits
until each one is ready. The test command after -- then runs with the
endpoint of every service exported as TESTBED_<SERVICE>_ENDPOINT,
TESTBED_<SERVICE>_HOST and TESTBED_<SERVICE>_PORT. Its exit status becomes
testbed's. Without a test command the services keep running until
testbed is interrupted (e.g., Ctrl+C).

A test command given as a single argument is split like a shell would.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarioArgs, testArgs, err := splitArgs(args, cmd.ArgsLenAtDash())
			if err != nil {
				return err
			}
			testCommand, err := parseTestCommand(testArgs)
			if err != nil {
				return err
			}
			globals, err := parseSets(opts.sets)
			if err != nil {
				return err
			}

			scenario, err := config.Load(scenarioArgs[0])
			if err != nil {
				return err
			}
			if opts.environment != "" {
				scenario.Environment = opts.environment
			}
			if opts.keep {
				keep := false
				scenario.Cleanup = &keep
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runScenario(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), scenario, globals, testCommand)
		},
	}

	cmd.Flags().StringVar(&opts.environment, "env", "", "Override the scenario environment (local, kubernetes, openshift)")
	cmd.Flags().StringArrayVar(&opts.sets, "set", nil, "Set a global property as key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.keep, "keep", false, "Keep cluster objects after the run")
	return cmd
}

func runScenario(ctx context.Context, stdout, stderr io.Writer, scenario config.Scenario, globals map[string]string, testCommand []string) error {
	names := make([]string, 0, len(scenario.Services))
	for _, svc := range scenario.Services {
		names = append(names, svc.Name)
	}

	var networks *network.Registry
	if scenario.Network.Mode != "" {
		runner := utils.ExecRunner{Timeout: scenario.CommandTimeout.Std()}
		networks = network.NewRegistry(containerizer.NewDockerRuntime(scenario.ContainerRuntime, runner))
		defer func() {
			if err := networks.Close(context.WithoutCancel(ctx)); err != nil {
				logging.Warn("CLI", "Failed to remove container networks: %v", err)
			}
		}()
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Scenario: scenario,
		Globals:  globals,
		Sink:     logwatch.NewConsoleSink(stderr, color.Width(names...)),
		Networks: networks,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := orch.Stop(context.WithoutCancel(ctx)); err != nil {
			logging.Warn("CLI", "Teardown of %s finished with errors", orch.ID())
		}
	}()

	if err := orch.Start(ctx); err != nil {
		return err
	}

	env := exportedEnv(names, orch.Lookup)
	if len(testCommand) == 0 {
		for _, kv := range env {
			fmt.Fprintln(stdout, kv)
		}
		logging.Info("CLI", "Services are running, press Ctrl+C to stop")
		<-ctx.Done()
		return nil
	}

	logging.Info("CLI", "Running %s", strings.Join(testCommand, " "))
	test := exec.CommandContext(ctx, testCommand[0], testCommand[1:]...)
	test.Env = append(os.Environ(), env...)
	test.Stdin = os.Stdin
	test.Stdout = stdout
	test.Stderr = stderr

	err = test.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &exitError{code: exitErr.ExitCode()}
	}
	if err != nil {
		return fmt.Errorf("failed to run test command: %w", err)
	}
	return nil
}

// splitArgs separates the scenario argument from the test command after
// the dash.
func splitArgs(args []string, dash int) (scenario, test []string, err error) {
	switch {
	case dash == 0:
		return nil, nil, errors.New("scenario file must come before --")
	case dash < 0 && len(args) > 1:
		return nil, nil, errors.New("the test command must follow --")
	case dash < 0:
		return args, nil, nil
	case dash > 1:
		return nil, nil, errors.New("exactly one scenario file is expected")
	}
	return args[:dash], args[dash:], nil
}

// parseTestCommand splits a single quoted command line into words.
func parseTestCommand(args []string) ([]string, error) {
	if len(args) != 1 {
		return args, nil
	}
	words, err := shellwords.Parse(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid test command %q: %w", args[0], err)
	}
	return words, nil
}

func parseSets(sets []string) (map[string]string, error) {
	globals := make(map[string]string, len(sets))
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, &services.ConfigurationError{Key: "set", Err: fmt.Errorf("%q is not key=value", kv)}
		}
		globals[key] = value
	}
	return globals, nil
}

// exportedEnv lists KEY=value pairs for every published endpoint field.
func exportedEnv(names []string, lookup func(service, field string) (string, bool)) []string {
	var env []string
	for _, name := range names {
		for _, field := range []string{services.KeyEndpoint, services.KeyHost, services.KeyPort} {
			if v, ok := lookup(name, field); ok {
				env = append(env, property.EnvName(envPrefix+"_"+name+"_"+field)+"="+v)
			}
		}
	}
	sort.Strings(env)
	return env
}
