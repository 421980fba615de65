// Package cmd implements the CLI commands for abrplay.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/abrplay/internal/config"
	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/version"
)

// cfgFile is the --config path.
var cfgFile string

// rootCmd prints help; play and probe do the work.
var rootCmd = &cobra.Command{
	Use:     "abrplay",
	Short:   "Adaptive bitrate streaming client",
	Version: version.Short(),
	Long: `abrplay plays DASH and HLS video-on-demand assets the way a browser
player does: it keeps a target amount of media buffered ahead of the playhead,
picks a representation per track from measured throughput, and handles seeks
and quality switches without letting stale downloads reach the decoder.

Media is written to a simulated decoder buffer or captured to disk.`,
	SilenceUsage: true,
}

// Execute runs the command selected by os.Args.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

// configDirs are searched in order for .abrplay.yaml when --config is unset.
var configDirs = []string{".", "/etc/abrplay"}

func init() {
	cobra.OnInitialize(initConfig)

	// Assigned here rather than in the literal: initLogging reads rootCmd.
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// The log flags stay unbound so a default flag value never masks
	// ABRPLAY_LOGGING_* or the config file; effectiveLogging consults them
	// only when they were given.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.abrplay.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig loads player, fetch and sink settings from the config file and
// ABRPLAY_* variables on top of the built-in defaults.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		for _, dir := range configDirs {
			viper.AddConfigPath(dir)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(".abrplay")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		// The logger is not configured yet.
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// effectiveLogging merges the log flags that were actually passed over the
// logging.* keys, normalising case and the "warning" alias.
func effectiveLogging(v *viper.Viper, flags *pflag.FlagSet) config.LoggingConfig {
	pick := func(key, flag, fallback string) string {
		val := v.GetString(key)
		if flags.Changed(flag) {
			val, _ = flags.GetString(flag)
		}
		if val == "" {
			val = fallback
		}
		return strings.ToLower(val)
	}

	cfg := config.LoggingConfig{
		Level:      pick("logging.level", "log-level", "info"),
		Format:     pick("logging.format", "log-format", "text"),
		AddSource:  v.GetBool("logging.add_source"),
		TimeFormat: v.GetString("logging.time_format"),
	}
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}
	return cfg
}

// initLogging installs the process logger. Output goes to stderr so probe
// --json on stdout stays machine readable.
func initLogging() error {
	logCfg := effectiveLogging(viper.GetViper(), rootCmd.PersistentFlags())

	// config.Unmarshal validates what the logger actually uses.
	viper.Set("logging.level", logCfg.Level)
	viper.Set("logging.format", logCfg.Format)

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	logger = observability.WithApp(logger, version.ApplicationName)
	observability.SetDefault(logger)

	return nil
}

// loadConfig decodes and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Unmarshal(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// mustBindPFlag binds key to flag. Binding only fails on a nil flag, which
// is a programming error.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
