package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/guseggert/stdiosse/internal/files"
	"github.com/joho/godotenv"
)

const envFileName = ".env"

// LoadEnvFile loads variables from a dotenv file into the process environment without
// overriding variables that are already set.
// If path is empty, the nearest .env in the working directory or its parents is used,
// and having none is not an error. The loaded path is returned, or "" if nothing was loaded.
func LoadEnvFile(path string) (string, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting working directory: %w", err)
		}
		path, err = files.FindUp(envFileName, wd)
		if errors.Is(err, files.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("finding %s: %w", envFileName, err)
		}
	}
	err := godotenv.Load(path)
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", path, err)
	}
	return path, nil
}
