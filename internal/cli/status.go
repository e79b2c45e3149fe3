package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voltagent/voltagent/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ VoltAgent Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 VoltAgent Status")
		fmt.Printf("Version: %s\n", version)

		path, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults in effect)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			printError("Unable to load config: %v", err)
			return
		}
		fmt.Printf("Persistence: %s", cfg.Persistence.Backend)
		if cfg.Persistence.Backend == "redis" {
			fmt.Printf(" (%s)", cfg.Persistence.RedisAddr)
		} else if cfg.Persistence.Path != "" {
			fmt.Printf(" (%s)", cfg.Persistence.Path)
		}
		fmt.Println()
		if cfg.Bridge.Enabled() {
			fmt.Printf("Bridge:  ✓ Enabled (%s)\n", cfg.Bridge.Brokers)
		} else {
			fmt.Println("Bridge:  ✗ Disabled (no brokers configured)")
		}
		fmt.Printf("Balancer: %s\n", cfg.Balancer.Strategy)
		fmt.Printf("Cache:    %s, max %d bytes\n", cfg.Cache.Strategy, cfg.Cache.MaxSize)
		fmt.Println("Status:  Ready")
	},
}
