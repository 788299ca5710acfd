package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xerilium/catalyst/internal/config"
	"github.com/xerilium/catalyst/internal/secrets"
	"github.com/xerilium/catalyst/internal/state"
	catalyst "github.com/xerilium/catalyst/pkg/catalyst/v1"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

// secretOptions selects where a run's secrets come from.
type secretOptions struct {
	names    []string
	file     string
	identity string
}

func (o *secretOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayVar(&o.names, "secret", nil, "name of an environment variable to use as a secret (repeatable)")
	f.StringVar(&o.file, "secrets-file", "", "dotenv file of NAME=value secrets, optionally age-encrypted")
	f.StringVar(&o.identity, "identity", "", "age identity file for an encrypted --secrets-file")
}

// collect reads the secrets file, then the named environment variables. A
// name given with --secret that is not set is an error.
func (o *secretOptions) collect(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	if o.file != "" {
		fp, err := secrets.NewFileProvider(o.file, o.identity)
		if err != nil {
			return nil, caterrors.New(caterrors.KindConfigInvalid, "loading secrets", "Check --secrets-file and --identity.", err)
		}
		for k, v := range fp.All() {
			out[k] = v
		}
	}
	envp := secrets.NewEnvProvider("")
	var missing []string
	for _, name := range o.names {
		v, ok, err := envp.GetSecret(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, fmt.Sprintf("environment variable %q is not set", name))
			continue
		}
		out[name] = v
	}
	if len(missing) > 0 {
		return nil, caterrors.NewValidation(caterrors.KindConfigInvalid, "secrets are missing", missing,
			"Export the variables named with --secret before running.")
	}
	return out, nil
}

// outputOptions controls how a RunResult is printed.
type outputOptions struct {
	json bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	var (
		inputPairs []string
		inputsFile string
		sec        secretOptions
		out        outputOptions
	)
	cmd := &cobra.Command{
		Use:   "run <playbook>",
		Short: "Execute a playbook",
		Example: `  catalyst run release.yaml -i tag=v1.4.0
  catalyst run deploy.yaml --secret GITHUB_TOKEN --secrets-file .env.age --identity key.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseInputs(inputsFile, inputPairs)
			if err != nil {
				return withExit(ExitUsageError, err)
			}
			pb, err := config.LoadPlaybookFromFile(args[0])
			if err != nil {
				return withExit(ExitUsageError, err)
			}
			secretValues, err := sec.collect(cmd.Context())
			if err != nil {
				return withExit(ExitUsageError, err)
			}

			e, err := g.newEnv()
			if err != nil {
				return err
			}
			r, err := e.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			res, runErr := r.engine.Run(cmd.Context(), pb, inputs, secretValues)
			return report(g.stdout, res, runErr, out)
		},
	}
	cmd.Flags().StringArrayVarP(&inputPairs, "input", "i", nil, "input as name=value (repeatable)")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "YAML or JSON file of inputs; -i values override it")
	cmd.Flags().BoolVar(&out.json, "json", false, "print the run result as JSON")
	sec.register(cmd)
	return cmd
}

func newResumeCmd(g *globalOptions) *cobra.Command {
	var (
		sec   secretOptions
		out   outputOptions
		force bool
	)
	cmd := &cobra.Command{
		Use:   "resume <runId> <playbook>",
		Short: "Continue a suspended or interrupted run",
		Long: `Resume reloads the persisted state of a run and continues with the first
step that has not completed. Pass the same secrets the run was started with;
persisted values were masked and are restored from them.

A run still marked running is refused while its lock is live, since another
process is probably executing it. Use --force only when that process is gone.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pb, err := config.LoadPlaybookFromFile(args[1])
			if err != nil {
				return withExit(ExitUsageError, err)
			}
			secretValues, err := sec.collect(cmd.Context())
			if err != nil {
				return withExit(ExitUsageError, err)
			}

			e, err := g.newEnv()
			if err != nil {
				return err
			}
			r, err := e.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			var opts []catalyst.ResumeOption
			if force {
				opts = append(opts, catalyst.ForceResume())
			}
			res, runErr := r.engine.Resume(cmd.Context(), args[0], pb, secretValues, opts...)
			return report(g.stdout, res, runErr, out)
		},
	}
	cmd.Flags().BoolVar(&out.json, "json", false, "print the run result as JSON")
	cmd.Flags().BoolVar(&force, "force", false, "resume a running record even while its lock is live")
	sec.register(cmd)
	return cmd
}

func newValidateCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <playbook>",
		Short: "Check a playbook without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pb, err := config.LoadPlaybookFromFile(args[0])
			if err != nil {
				return withExit(ExitUsageError, err)
			}
			e, err := g.newEnv()
			if err != nil {
				return err
			}
			r, err := e.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			if err := r.engine.Validate(pb); err != nil {
				return withExit(exitCodeFor(err), err)
			}
			fmt.Fprintf(g.stdout, "Playbook %q is valid (%d steps)\n", pb.Name, len(pb.Steps))
			return nil
		},
	}
}

// parseInputs merges an optional inputs file with name=value pairs. Pair
// values stay strings; the engine coerces them to the declared types.
func parseInputs(file string, pairs []string) (map[string]any, error) {
	inputs := make(map[string]any)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, caterrors.New(caterrors.KindConfigInvalid, fmt.Sprintf("reading inputs file %s", file), "", err)
		}
		if err := yaml.Unmarshal(data, &inputs); err != nil {
			return nil, caterrors.New(caterrors.KindConfigInvalid, fmt.Sprintf("parsing inputs file %s", file),
				"The inputs file must be a YAML or JSON mapping of input names to values.", err)
		}
	}
	var bad []string
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			bad = append(bad, fmt.Sprintf("%q is not name=value", p))
			continue
		}
		inputs[name] = value
	}
	if len(bad) > 0 {
		return nil, caterrors.NewValidation(caterrors.KindConfigInvalid, "invalid --input values", bad, "")
	}
	return inputs, nil
}

// report prints the result and converts it into the command's exit status.
func report(w io.Writer, res *catalyst.RunResult, runErr error, opts outputOptions) error {
	if res != nil {
		if opts.json {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return withExit(ExitFailure, err)
			}
		} else {
			printResult(w, res)
		}
	}

	switch {
	case runErr != nil:
		return withExit(exitCodeFor(runErr), runErr)
	case res != nil && res.Status == state.StatusSuspended:
		return withExit(ExitSuspended, nil)
	case res != nil && res.Status != state.StatusCompleted:
		return withExit(ExitFailure, nil)
	}
	return nil
}

func printResult(w io.Writer, res *catalyst.RunResult) {
	if res.RunID != "" {
		fmt.Fprintf(w, "Run %s %s (%s) in %v\n", res.RunID, res.Status, res.Code, res.Duration.Truncate(time.Millisecond))
	} else {
		fmt.Fprintf(w, "Run %s (%s)\n", res.Status, res.Code)
	}
	if len(res.CompletedSteps) > 0 {
		fmt.Fprintf(w, "  completed: %s\n", strings.Join(res.CompletedSteps, ", "))
	}
	if len(res.SkippedSteps) > 0 {
		fmt.Fprintf(w, "  skipped:   %s\n", strings.Join(res.SkippedSteps, ", "))
	}
	if len(res.CleanupSteps) > 0 {
		fmt.Fprintf(w, "  cleanup:   %s\n", strings.Join(res.CleanupSteps, ", "))
	}
	if res.Status == state.StatusSuspended {
		fmt.Fprintf(w, "  resume with: catalyst resume %s <playbook>\n", res.RunID)
	}
	if len(res.Outputs) > 0 {
		names := make([]string, 0, len(res.Outputs))
		for k := range res.Outputs {
			names = append(names, k)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "  outputs:")
		for _, k := range names {
			fmt.Fprintf(w, "    %s: %v\n", k, res.Outputs[k])
		}
	}
}
