package appdirs

import (
	"os"
	"path/filepath"
)

const (
	appDirName = "agentd"
)

func DataDir() (string, error) {
	if override := os.Getenv("AGENTD_DATA_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

func WorkspacesDir(dataDir string) string {
	return filepath.Join(dataDir, "workspaces")
}
