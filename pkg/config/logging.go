package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolvedBaseDir returns LoggingConfig.BaseDir with leading "~" expanded to
// the user's home directory, matching the shell convention users expect in
// a config file's logging.base_dir value.
func (l LoggingConfig) ResolvedBaseDir() string {
	dir := strings.TrimSpace(l.BaseDir)
	if dir == "" {
		return filepath.Join(".ccswarm", "logs")
	}
	return filepath.Clean(expandHomePath(dir))
}

func expandHomePath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}
