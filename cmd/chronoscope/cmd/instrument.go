package cmd

import (
	"errors"
	"fmt"
	"go/token"
	"os"
	"path/filepath"

	"github.com/amirkhaki/chronoscope/pkg/instrument"
	"github.com/spf13/cobra"
)

// instrumentCmd represents the instrument command
var instrumentCmd = &cobra.Command{
	Use:   "instrument [files...]",
	Short: "instrument given files",
	Long: `Rewrites Go files so every function is timed, every go statement
announces a thread, and main initializes and finalizes the runtime.

Output is written alongside each input, with the postfix appended to the
file name, unless --stdout is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := append(append([]string(nil), inputs...), args...)
		if len(paths) == 0 {
			return nil
		}
		config := instrument.DefaultConfig()
		config.Exclude = exclude
		config.NoTimers = noTimers
		instr := instrument.NewInstrumenter(config)
		fset := token.NewFileSet()

		files, err := instr.InstrumentFiles(fset, paths)
		if err != nil {
			return err
		}

		if toStdout {
			for _, f := range files {
				if err := instrument.WriteInstrumented(cmd.OutOrStdout(), fset, f); err != nil {
					return err
				}
			}
			return nil
		}

		var jerr error
		for i := range paths {
			f, s := files[i], paths[i]
			dir, filename := filepath.Split(s)
			ext := filepath.Ext(filename)
			output := filepath.Join(dir, filename[:len(filename)-len(ext)]+postfix+ext)
			if _, err := os.Stat(output); err == nil && !force {
				jerr = errors.Join(jerr, fmt.Errorf("%s exists, use --force to overwrite", output))
				continue
			}
			jerr = errors.Join(jerr, writeFile(output, func(file *os.File) error {
				return instrument.WriteInstrumented(file, fset, f)
			}))
		}
		return jerr
	},
}

func writeFile(name string, fn func(file *os.File) error) error {
	file, err := os.Create(name)
	if err != nil {
		return err
	}
	return errors.Join(fn(file), file.Close())
}

var (
	inputs   []string
	exclude  []string
	postfix  string
	force    bool
	toStdout bool
	noTimers bool
)

func init() {
	rootCmd.AddCommand(instrumentCmd)

	instrumentCmd.Flags().StringArrayVarP(&inputs, "input", "i",
		[]string{}, "path of input files")
	instrumentCmd.Flags().StringVarP(&postfix, "postfix", "p", "_chronoscope",
		"postfix of generated files (alongside input files)")
	instrumentCmd.Flags().BoolVarP(&force, "force", "f", false,
		"force override files")
	instrumentCmd.Flags().BoolVar(&toStdout, "stdout", false,
		"print the instrumented files instead of writing them")
	instrumentCmd.Flags().StringArrayVarP(&exclude, "exclude", "x", []string{},
		`timer names not to instrument, as path.Match patterns, e.g. "main.(*T).*"`)
	instrumentCmd.Flags().BoolVar(&noTimers, "no-timers", false,
		"only instrument go statements and main")
}
