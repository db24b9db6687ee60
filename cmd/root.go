package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/bridge/internal/config"
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"

	// v holds the process configuration, filled by initConfig.
	v = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Session bridge between chat clients and the coding agent",
	Long: `bridge keeps one live view of each agent session and fans it out to any
number of WebSocket clients. Clients chat with the agent, approve plans and
publish the resulting patch to GitHub as a branch or pull request.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "bridge %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "Config file (YAML); environment variables use the BRIDGE_ prefix")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile == "" {
		return
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}
