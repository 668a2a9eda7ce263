package main

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/danmuck/nodus/internal/config"
	"github.com/danmuck/nodus/internal/logging"
)

const (
	envConfig  = "NODUS_CONFIG"
	envEnvFile = "NODUS_ENV_FILE"

	defaultConfigPath = "server.toml"
	defaultEnvFile    = ".env"
)

type globalFlags struct {
	logLevel string
	envFile  string
}

// loadEnv reads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing default file is fine.
func loadEnv(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = os.Getenv(envEnvFile)
		explicit = path != ""
	}
	if path == "" {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// resolveConfigPath picks the server file: argument, then NODUS_CONFIG, then
// ./server.toml.
func resolveConfigPath(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0])
	}
	if env := strings.TrimSpace(os.Getenv(envConfig)); env != "" {
		return env
	}
	return defaultConfigPath
}

// loadServerConfig loads the file and lets --loglevel win over [log].
func loadServerConfig(path string, flags globalFlags) (config.Server, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Server{}, err
	}
	if flags.logLevel == "" && cfg.Log.Level != "" {
		logging.SetLevel(cfg.Log.Level)
	}
	return cfg, nil
}
