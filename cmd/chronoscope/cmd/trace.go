package cmd

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/amirkhaki/chronoscope/pkg/listeners/trace"
	"github.com/spf13/cobra"
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "inspect recorded traces",
}

// traceDumpCmd represents the trace dump command
var traceDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "print a recorded trace",
	Long: `Prints every record of a trace written by the trace listener, in any
format or compression, one per line.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := trace.Load(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if kinds := dumpKinds; len(kinds) != 0 {
			records = slices.DeleteFunc(records, func(r trace.Record) bool {
				return !slices.Contains(kinds, r.Kind)
			})
		}

		if dumpSummary {
			counts := make(map[string]int)
			for _, r := range records {
				counts[r.Kind]++
			}
			kinds := make([]string, 0, len(counts))
			for k := range counts {
				kinds = append(kinds, k)
			}
			slices.Sort(kinds)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tCOUNT")
			for _, k := range kinds {
				fmt.Fprintf(w, "%s\t%d\n", k, counts[k])
			}
			return w.Flush()
		}

		if !dumpByThread {
			for _, r := range records {
				fmt.Fprintln(out, r.String())
			}
			return nil
		}

		grouped := trace.GroupByThread(records)
		threads := make([]int64, 0, len(grouped))
		for id := range grouped {
			threads = append(threads, id)
		}
		slices.Sort(threads)
		for _, id := range threads {
			fmt.Fprintf(out, "thread %d (%d records)\n", id, len(grouped[id]))
			for _, r := range grouped[id] {
				fmt.Fprintf(out, "  %s\n", r.String())
			}
		}
		return nil
	},
}

var (
	dumpByThread bool
	dumpSummary  bool
	dumpKinds    []string
)

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.AddCommand(traceDumpCmd)

	traceDumpCmd.Flags().BoolVarP(&dumpByThread, "by-thread", "t", false,
		"group records by thread")
	traceDumpCmd.Flags().BoolVarP(&dumpSummary, "summary", "s", false,
		"print the number of records of each kind instead")
	traceDumpCmd.Flags().StringSliceVarP(&dumpKinds, "kind", "k", nil,
		"only print records of these kinds")
}
