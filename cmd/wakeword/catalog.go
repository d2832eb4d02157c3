package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/wakeword/pkg/catalog"
)

// errRejected is returned by catalog validate when any entry was rejected.
var errRejected = errors.New("catalog has rejected entries")

func newCatalogCmd(root *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the model catalog",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "catalog directory; overrides catalog.dir")

	load := func(cmd *cobra.Command) (*catalog.Result, error) {
		if dir == "" {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return nil, err
			}
			dir = cfg.Catalog.Dir
		}
		return catalog.LoadAvailableModels(cmd.Context(), catalog.DirSource{Fs: root.fs, Dir: dir})
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the valid models",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				res, err := load(cmd)
				if err != nil {
					return err
				}
				printModels(cmd, res.Models)
				if n := len(res.Rejected); n > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "%d entries rejected; run 'wakeword catalog validate' for details\n", n)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Report every rejected manifest and why",
			Long: `Validate every manifest in the catalog directory. Each rejected entry
is printed with the fields that failed. Exits non-zero when any entry is
rejected.`,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				res, err := load(cmd)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d valid, %d rejected\n", len(res.Models), len(res.Rejected))
				for _, rej := range res.Rejected {
					fmt.Fprintf(out, "\n%s:\n", rej.Entry)
					for _, ve := range rej.Errors() {
						fmt.Fprintf(out, "  %s: %s\n", ve.Field, ve.Reason)
					}
				}
				if len(res.Rejected) > 0 {
					return errRejected
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "find <wake word>",
			Short: "Find a model by wake word, tolerating misspellings",
			Example: `  wakeword catalog find "okay nabu"
  wakeword catalog find jarvis`,
			Args: cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := load(cmd)
				if err != nil {
					return err
				}
				query := strings.Join(args, " ")
				if d, ok := res.Lookup(query); ok {
					printModels(cmd, []catalog.Descriptor{d})
					return nil
				}
				matches := res.Suggest(query, 5)
				if len(matches) == 0 {
					return fmt.Errorf("no model matches %q", query)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "no exact match for %q; closest models:\n", query)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tWAKE WORD\tSCORE\tSOUNDS ALIKE")
				for _, m := range matches {
					fmt.Fprintf(tw, "%s\t%s\t%.2f\t%t\n", m.Descriptor.ID, m.Descriptor.WakeWord, m.Score, m.Phonetic)
				}
				return tw.Flush()
			},
		},
	)
	return cmd
}

func printModels(cmd *cobra.Command, models []catalog.Descriptor) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWAKE WORD\tLANGUAGES\tCUTOFF\tWINDOW\tMODEL")
	for _, d := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%d\t%s\n",
			d.ID, d.WakeWord, strings.Join(d.TrainedLanguages, ","),
			d.Micro.ProbabilityCutoff, d.Micro.SlidingWindowSize, d.ModelPath)
	}
	_ = tw.Flush()
}
