package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [workflow|file ...]",
	Short: "Validate workflow definitions without running them",
	Long: `Parses and validates the named workflows (or every workflow in the
directory when no argument is given): diagram structure, action syntax, and
guard expressions. Arguments containing a path separator or .md extension
are treated as files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), loadConfig())
		if err != nil {
			return err
		}
		defer a.close()

		targets := args
		if len(targets) == 0 {
			names, err := a.library.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Printf("no workflows in %s\n", a.library.Dir())
				return nil
			}
			targets = names
		}

		failed := 0
		for _, target := range targets {
			var err error
			if isPath(target) {
				_, err = a.library.LoadFile(target)
			} else {
				_, err = a.library.Load(cmd.Context(), target)
			}
			if err != nil {
				failed++
				fmt.Printf("FAIL %s: %v\n", target, err)
				continue
			}
			fmt.Printf("ok   %s\n", target)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d workflows invalid", failed, len(targets))
		}
		return nil
	},
}

func isPath(s string) bool {
	if len(s) > 3 && s[len(s)-3:] == ".md" {
		return true
	}
	for i := 0; i < len(s); i++ {
		if os.IsPathSeparator(s[i]) {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
