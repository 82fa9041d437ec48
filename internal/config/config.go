package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "go-boot-forge"

	// EnvPrefix is the prefix for the tool's own environment variables
	EnvPrefix = "BOOT_FORGE"
)

// Behavior toggles read from the environment. These names are the external
// contract shared with the install scripts that drive the tool, so they are
// bound verbatim without the EnvPrefix.
const (
	EnvKeepVerity       = "KEEPVERITY"
	EnvKeepForceEncrypt = "KEEPFORCEENCRYPT"
	EnvPatchVbmetaFlag  = "PATCHVBMETAFLAG"
)

// AppConfig holds the application configuration
type AppConfig struct {
	// Core settings
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`

	// Patch behavior toggles
	KeepVerity       bool `mapstructure:"keep_verity"`
	KeepForceEncrypt bool `mapstructure:"keep_force_encrypt"`
	PatchVbmetaFlag  bool `mapstructure:"patch_vbmeta_flag"`
}

// Instance is the global application configuration
var Instance *AppConfig

var initOnce sync.Mutex

// Initialize loads configuration from environment variables and an optional
// config file, and populates Instance.
func Initialize(cfgFile string) error {
	initOnce.Lock()
	defer initOnce.Unlock()

	v := viper.New()

	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The patch toggles are plain environment variables shared with the
	// calling scripts; only the literal string "true" enables them.
	_ = v.BindEnv("keep_verity", EnvKeepVerity)
	_ = v.BindEnv("keep_force_encrypt", EnvKeepForceEncrypt)
	_ = v.BindEnv("patch_vbmeta_flag", EnvPatchVbmetaFlag)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshaling configuration: %w", err)
	}

	// Bool-ish strings: anything other than "true" counts as off, matching
	// the original tool's environment parsing.
	cfg.KeepVerity = v.GetString("keep_verity") == "true"
	cfg.KeepForceEncrypt = v.GetString("keep_force_encrypt") == "true"
	cfg.PatchVbmetaFlag = v.GetString("patch_vbmeta_flag") == "true"

	Instance = cfg
	return nil
}

func init() {
	// Guarantee a usable Instance for library consumers and tests that do
	// not run main's initialization.
	if Instance == nil {
		_ = Initialize("")
	}
}
