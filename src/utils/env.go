package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const envFilePrefix = ".env."

// InitEnvironmentVariables loads dir/.env.<env> into the process environment. Variables that are already
// set keep their value. Production reads its environment from the host and loads no file.
func InitEnvironmentVariables(dir, env string) error {
	if env == "production" {
		log.Info("Running in production environment")
		return nil
	}

	envFile := filepath.Join(dir, envFilePrefix+env)
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load %s file: %w", envFile, err)
	}

	log.WithField("file", envFile).Debug("environment loaded")

	return nil
}

// GetEnv returns the value of a variable that must be set.
func GetEnv(key string) (string, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", fmt.Errorf("%s environment variable not set", key)
	}

	return value, nil
}
