package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFileVar names the variable that overrides the default ".env" path.
const EnvFileVar = "DEPOSIT_ENV_FILE"

// LoadDotEnv copies KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error unless path was
// given explicitly through EnvFileVar.
func LoadDotEnv() error {
	path := strings.TrimSpace(os.Getenv(EnvFileVar))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	switch {
	case err == nil:
		return nil
	case !explicit && errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("%w: load %s: %v", ErrInvalidConfig, path, err)
	}
}
