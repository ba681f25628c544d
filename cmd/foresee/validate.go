package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/foresee/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the ForeSee configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

// secretKeys never appear in yaml output; they are known keys all the same
var secretKeys = []string{"llm_proxy.api_key"}

// configField is one leaf of the configuration, in file order
type configField struct {
	section string
	key     string
	value   string
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	defaults, err := flattenConfig(config.Defaults())
	if err != nil {
		return fmt.Errorf("failed to flatten default configuration: %w", err)
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath, validKeys(defaults))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if cfg.LLMProxy.APIKey == "" {
		_, _ = color.New(color.FgYellow).Fprintln(os.Stdout, "⚠️  No LLM proxy API key configured; 'foresee proxy' will refuse to start.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		current, err := flattenConfig(cfg)
		if err != nil {
			return fmt.Errorf("failed to flatten configuration: %w", err)
		}

		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(current, defaults, cfg.LLMProxy.APIKey != "", unknownKeys)
	}

	return nil
}

// flattenConfig renders the configuration through its yaml tags and returns
// every leaf as a dotted key, preserving struct order
func flattenConfig(cfg *config.Config) ([]configField, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(out, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	var fields []configField
	var walk func(node *yaml.Node, path []string)
	walk = func(node *yaml.Node, path []string) {
		if node.Kind != yaml.MappingNode {
			key := path[len(path)-1]
			value := node.Value
			if node.Kind == yaml.SequenceNode {
				items := make([]string, len(node.Content))
				for i, item := range node.Content {
					items[i] = item.Value
				}
				value = "[" + strings.Join(items, ", ") + "]"
			}
			if strings.Contains(key, "password") {
				value = redactSecret(value)
			}
			fields = append(fields, configField{
				section: strings.Join(path[:len(path)-1], "."),
				key:     key,
				value:   value,
			})
			return
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			walk(node.Content[i+1], append(append([]string{}, path...), node.Content[i].Value))
		}
	}
	walk(doc.Content[0], nil)

	return fields, nil
}

func (f configField) path() string {
	if f.section == "" {
		return f.key
	}
	return f.section + "." + f.key
}

// validKeys returns the set of every configuration key
func validKeys(fields []configField) map[string]bool {
	keys := make(map[string]bool, len(fields)+len(secretKeys))
	for _, f := range fields {
		keys[f.path()] = true
	}
	for _, k := range secretKeys {
		keys[k] = true
	}
	return keys
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string, valid map[string]bool) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(current, defaults []configField, hasAPIKey bool, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	defaultValues := make(map[string]string, len(defaults))
	for _, f := range defaults {
		defaultValues[f.path()] = f.value
	}

	section := ""
	for _, f := range current {
		if f.section != section {
			section = f.section
			indent := strings.Repeat("  ", strings.Count(section, "."))
			_, _ = cyan.Printf("\n%s[%s]\n", indent, section)
		}

		name := strings.Repeat("  ", strings.Count(f.section, ".")+1) + f.key
		dumpField(name, f.value, defaultValues[f.path()], yellow, green)

		if f.path() == "llm_proxy.upstream_url" {
			apiKey := ""
			if hasAPIKey {
				apiKey = redactSecret("set")
			}
			dumpField("  api_key", apiKey, "", yellow, green)
		}
	}

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name, value, defaultValue string, modifiedColor, defaultColor *color.Color) {
	if value == defaultValue {
		_, _ = defaultColor.Printf("%s = %s\n", name, value)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %s)\n", name, value, defaultValue)
	}
}

// redactSecret redacts a secret if not empty
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
