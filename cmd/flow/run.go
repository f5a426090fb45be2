package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flow/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Execute a workflow",
	Long: `Runs the named workflow from the workflow directory. Initial variables
come from the workflow's front matter, overridden by --set flags. Use
--resume with a run id to continue an interrupted run without repeating
completed states.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sets, _ := cmd.Flags().GetStringArray("set")
		resumeID, _ := cmd.Flags().GetString("resume")

		inputs, err := parseSetFlags(sets)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.close()

		def, err := a.library.Load(ctx, args[0])
		if err != nil {
			return err
		}

		var res *engine.RunResult
		if resumeID != "" {
			if len(inputs) > 0 {
				return fmt.Errorf("--set cannot be combined with --resume: a resumed run keeps its recorded variables")
			}
			res, err = a.engine.Resume(ctx, def, resumeID)
		} else {
			if err := a.library.ValidateInputs(def, inputs); err != nil {
				return err
			}
			res, err = a.engine.Run(ctx, def, inputs)
		}
		if err != nil {
			return err
		}

		fmt.Printf("run %s %s (final state %s)\n", res.RunID, res.Status, res.FinalState)
		return res.Err
	},
}

// parseSetFlags turns --set key=value pairs into typed inputs. Values that
// look like integers or booleans are converted; everything else stays a
// string.
func parseSetFlags(sets []string) (map[string]any, error) {
	inputs := make(map[string]any, len(sets))
	for _, kv := range sets {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", kv)
		}
		key, raw := kv[:eq], kv[eq+1:]

		switch {
		case raw == "true":
			inputs[key] = true
		case raw == "false":
			inputs[key] = false
		default:
			if n, err := strconv.Atoi(raw); err == nil {
				inputs[key] = n
			} else {
				inputs[key] = raw
			}
		}
	}
	return inputs, nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArray("set", nil, "Set an initial variable (key=value, repeatable)")
	runCmd.Flags().String("resume", "", "Resume an interrupted run by id")
}
