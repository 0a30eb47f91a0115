package envfile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

type Result struct {
	Path   string
	Loaded bool
	Keys   int
	Err    error
}

// Load reads the nearest .env file into the process environment.
// Variables already present in the environment are never overridden.
func Load() Result {
	if override := strings.TrimSpace(os.Getenv("AGENTD_ENV_PATH")); override != "" {
		return LoadPath(override)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return Result{Err: err}
	}
	path := findUpwards(cwd, ".env")
	if path == "" {
		return Result{}
	}
	return LoadPath(path)
}

func LoadPath(path string) Result {
	res := Result{Path: path}
	values, err := godotenv.Read(path)
	if err != nil {
		res.Err = err
		return res
	}
	res.Loaded = true
	for key, value := range values {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			res.Err = err
			return res
		}
		res.Keys++
	}
	return res
}

func findUpwards(start, filename string) string {
	dir := start
	for {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
