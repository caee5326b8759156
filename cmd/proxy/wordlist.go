package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/usagepanda/usagepanda-proxy/internal/config"
	"github.com/usagepanda/usagepanda-proxy/internal/wordlist"
)

func newWordlistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wordlist",
		Short: "Inspect request and response wordlists",
	}

	var (
		dir    string
		custom []string
		marker string
	)
	testCmd := &cobra.Command{
		Use:   "test <list> <text>",
		Short: "Match text against a wordlist and print the redacted result",
		Long: `Match text against a built-in list (adult, dan, profanity), a list file in
the wordlist directory, or "custom" with words given by --word.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := wordlist.New(dir, nil)
			res, err := m.Match(args[0], strings.Join(args[1:], " "), custom, marker)
			if err != nil {
				return fmt.Errorf("match %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if !res.Matched {
				fmt.Fprintln(out, "no match")
				return nil
			}
			fmt.Fprintln(out, "matched")
			fmt.Fprintln(out, res.Redacted)
			return nil
		},
	}
	testCmd.Flags().StringVar(&dir, "dir", config.EnvOrDefault("WORDLIST_DIR", "./wordlists"), "Directory holding {name}.txt wordlists")
	testCmd.Flags().StringSliceVar(&custom, "word", nil, "Word or pattern of the custom list (repeatable)")
	testCmd.Flags().StringVar(&marker, "marker", config.DefaultSettings().RedactionString, "Replacement for matched text")

	cmd.AddCommand(testCmd)
	return cmd
}
