package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the known stages in their default order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		for _, name := range pipeline.KnownStages() {
			marker := ""
			for _, terminal := range pipeline.TerminalStages {
				if terminal == name {
					marker = "  (answer)"
				}
			}
			fmt.Fprintf(out, "%s%s\n", name, marker)
		}
		return nil
	},
}
