package cmd

import (
	"os"

	"github.com/amirkhaki/chronoscope/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chronoscope",
	Short: "performance instrumentation for parallel Go programs",
	Long: `chronoscope times regions of parallel programs, samples accelerator
devices, and fans the resulting events out to listeners.

Configuration is read from --config, then CHRONOSCOPE_* environment
variables, then flags.`,
	SilenceUsage: true,
}

var cfgFile string

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (any format viper supports)")
}

// configFlags registers a flag for every config.FlagKeys entry, defaulted
// from config.Default for the help output.
func configFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.String("lock-strategy", d.Lock.Strategy, "reader/writer lock strategy: auto, native, timed or mutex")
	fs.String("log-level", d.Log.Level, "log level")
	fs.Duration("sample-period", d.Sample.Period, "periodic sample interval, 0 disables it")
	fs.Duration("query-timeout", d.Device.QueryTimeout, "per-device query timeout")
	fs.String("trace-file", d.Trace.File, "trace output file")
	fs.String("trace-format", d.Trace.Format, "trace format: jsonl or cbor")
	fs.String("trace-compress", d.Trace.Compression, "trace compression: none or zstd")
	fs.Bool("stats", d.Stats.Enabled, "report timer and sample statistics")
	fs.Int("stats-rate", d.Stats.SampleRate, "time 1 in N timer starts")
	fs.Bool("otel", d.OTel.Enabled, "record OpenTelemetry metrics")
	fs.String("otel-endpoint", d.OTel.Endpoint, "OTLP gRPC endpoint, empty prints a summary instead")
	fs.Int("node-id", d.Node.ID, "node id")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(cfgFile, cmd.Flags())
}
