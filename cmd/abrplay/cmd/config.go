package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/abrplay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing abrplay configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  abrplay config dump > ~/.abrplay.yaml

Environment variables use the ABRPLAY_ prefix and underscores for nesting.
Example: player.target_buffer -> ABRPLAY_PLAYER_TARGET_BUFFER`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations and sizes for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := range val.NumField() {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		case config.ByteSize:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# abrplay Configuration File")
	fmt.Fprintln(out, "# ===========================")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# All values shown below are defaults.")
	fmt.Fprintln(out, "# Duration format: 500ms, 30s, 5m")
	fmt.Fprintln(out, "# Size format: 64MiB, 1GiB (MB and GB are decimal)")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   ABRPLAY_PLAYER_TARGET_BUFFER, ABRPLAY_PLAYER_SAFETY_FACTOR")
	fmt.Fprintln(out, "#   ABRPLAY_FETCH_TIMEOUT, ABRPLAY_SINK_KIND, ABRPLAY_API_ENABLED")
	fmt.Fprintln(out, "#   ABRPLAY_LOGGING_LEVEL, ABRPLAY_LOGGING_FORMAT")
	fmt.Fprintln(out)
	fmt.Fprint(out, string(yamlData))

	return nil
}
