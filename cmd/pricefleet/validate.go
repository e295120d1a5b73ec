package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/pricefleet/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	validateDump   bool
	validateOutput string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the PriceFleet configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	validateCmd.Flags().StringVarP(&validateOutput, "output", "o", "text", "Dump format: text or yaml")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if !validateDump {
		return nil
	}

	settings, err := config.Settings(configPath)
	if err != nil {
		return err
	}
	redact(settings)

	switch validateOutput {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(settings)
	case "text":
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		defaults := config.DefaultSettings()
		redact(defaults)
		dumpConfig(os.Stdout, settings, defaults)

		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		return nil
	default:
		return fmt.Errorf("unknown output format %q (must be text or yaml)", validateOutput)
	}
}

// dumpConfig prints each section's keys, highlighting values that differ
// from the defaults.
func dumpConfig(w io.Writer, settings, defaults map[string]any) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	flat := flatten("", settings)
	flatDefaults := flatten("", defaults)

	for _, section := range sortedKeys(settings) {
		_, _ = cyan.Fprintf(w, "\n[%s]\n", section)
		prefix := section + "."
		keys := make([]string, 0)
		for key := range flat {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			name := "  " + strings.TrimPrefix(key, prefix)
			value := fmt.Sprint(flat[key])
			def, known := flatDefaults[key]
			switch {
			case !known:
				_, _ = yellow.Fprintf(w, "%s = %s  (no default)\n", name, value)
			case value == fmt.Sprint(def):
				_, _ = green.Fprintf(w, "%s = %s\n", name, value)
			default:
				_, _ = yellow.Fprintf(w, "%s = %s  (modified from default: %v)\n", name, value, def)
			}
		}
	}
}

// flatten turns nested settings into dotted keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// redact masks secret values in place.
func redact(m map[string]any) {
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			redact(nested)
			continue
		}
		switch k {
		case "password", "api_key", "api_token":
			if s, ok := v.(string); ok && s != "" {
				m[k] = "***REDACTED***"
			}
		}
	}
}
