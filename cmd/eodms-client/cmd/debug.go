package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"eodms-api-client/internal/models"
	"eodms-api-client/internal/query"
)

var debugShowConfigTOML bool

func init() {
	rootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(debugShowConfigCmd)
	debugCmd.AddCommand(debugPrintSearchURLCmd)

	debugShowConfigCmd.Flags().BoolVar(&debugShowConfigTOML, "toml", false, "Print as TOML instead of JSON")
	// Same flags as 'query' so the URL matches what a query would request
	addQueryFlags(debugPrintSearchURLCmd)
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debugging utilities (not for general use)",
	Long:  `Contains helper commands for debugging application behavior, like inspecting configuration or search URLs.`,
}

var debugShowConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the fully loaded configuration",
	Long: `Loads configuration via flags, environment and config file (respecting
precedence) and prints the result. Passwords and secret keys are never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeConfig(os.Stdout, globalConfig, debugShowConfigTOML)
	},
}

var debugPrintSearchURLCmd = &cobra.Command{
	Use:   "print-search-url",
	Short: "Print the search URL a query would request first",
	RunE: func(cmd *cobra.Command, args []string) error {
		coll, err := configuredCollection()
		if err != nil {
			return err
		}
		filter, err := query.Build(coll, queryParameters(cmd), time.Now())
		if err != nil {
			return err
		}
		fmt.Println(models.ConstructSearchUrl(globalConfig.APIBaseURL, coll.ID, filter, searchPageSize(coll)))
		return nil
	},
}

func writeConfig(w io.Writer, cfg models.Config, asTOML bool) error {
	if asTOML {
		if err := toml.NewEncoder(w).Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config as TOML: %w", err)
		}
		return nil
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
