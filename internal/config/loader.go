package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes viper with the configuration file and environment
// variables. If configFile is empty, wampgate.yaml/.yml is searched in the
// working directory, $HOME/.wampgate/ and /etc/wampgate/. The search
// requires an explicit YAML extension so the binary itself is never
// matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("wampgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: WAMPGATE_METRICS_ADDR etc.
	viper.SetEnvPrefix("WAMPGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, ".wampgate"),
		"/etc/wampgate",
	})
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "wampgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys so nested values can be
// overridden from the environment. List-valued keys (realms, listeners)
// come from the config file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("metrics.addr")
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or an empty string when none was.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// Load reads the configuration and returns a validated Config. A missing
// config file is an error: the router cannot run without realms and
// listeners.
func Load(configFile string) (*Config, error) {
	InitViper(configFile)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return FromViper()
}
