// Command usagepanda-proxy runs the Usage Panda LLM gateway and its
// operator utilities.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

// For testing
var osExit = os.Exit

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "usagepanda-proxy",
		Short: "Usage Panda LLM gateway",
		Long: `A policy-enforcing proxy for the OpenAI API that can reroute calls to
Azure OpenAI or Google PaLM and reports usage to Usage Panda.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServerCmd(), newCheckSettingsCmd(), newWordlistCmd())
	return root
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("Error: %v", err)
		osExit(1)
	}
}
