package main

import (
	"fmt"
	"os"

	"github.com/deploymenttheory/go-boot-forge/cmd"
	"github.com/deploymenttheory/go-boot-forge/internal/config"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

func main() {
	// Get app configuration file from environment if specified
	configFile := os.Getenv("BOOT_FORGE_CONFIG")

	// 1. Initialize application configuration
	if err := config.Initialize(configFile); err != nil {
		// Configuration errors go to stderr directly since logging is not up yet
		fmt.Fprintf(os.Stderr, "Error initializing configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logging based on application configuration
	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}

	// 3. Hand over to the command line surface. Several commands report
	// their result through the exit code, so it is propagated verbatim.
	status := cmd.Execute(os.Args[1:])

	// Ensure logs are flushed before exit
	logger.Sync()
	os.Exit(status)
}

// initLogging initializes the logger based on configuration settings
func initLogging() error {
	logConfig := logger.LoggerConfig{
		Debug:     config.Instance.Debug,
		LogFormat: config.Instance.LogFormat,
	}
	return logger.InitLogger(logConfig)
}
