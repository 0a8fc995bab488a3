package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultHomeDirName = ".mmrelay"

// ResolveHome resolves the relay's home directory using the chain from §6:
// --home flag, then MMRELAY_HOME, then the legacy MMRELAY_BASE_DIR/
// MMRELAY_DATA_DIR pair (with a deprecation warning returned to the caller
// so it can be logged once), then the platform default ~/.mmrelay. The
// unified home directory always wins over the legacy envs when both are
// set (open question #2).
func ResolveHome(flagHome string) (home string, deprecationWarning string) {
	if trimmed := strings.TrimSpace(flagHome); trimmed != "" {
		return trimmed, ""
	}

	if envHome := strings.TrimSpace(os.Getenv("MMRELAY_HOME")); envHome != "" {
		return envHome, ""
	}

	legacyBase := strings.TrimSpace(os.Getenv("MMRELAY_BASE_DIR"))
	legacyData := strings.TrimSpace(os.Getenv("MMRELAY_DATA_DIR"))
	if legacyBase != "" || legacyData != "" {
		if legacyBase != "" {
			return legacyBase, "MMRELAY_BASE_DIR is deprecated; set MMRELAY_HOME instead"
		}
		return legacyData, "MMRELAY_DATA_DIR is deprecated; set MMRELAY_HOME instead"
	}

	return filepath.Join(homeDir(), defaultHomeDirName), ""
}

// DefaultConfigPath returns "<home>/config.yaml".
func DefaultConfigPath(home string) string {
	return filepath.Join(home, "config.yaml")
}

// DefaultCredentialsPath returns "<home>/credentials.json".
func DefaultCredentialsPath(home string) string {
	return filepath.Join(home, "credentials.json")
}

// DefaultDBPath returns "<home>/database/meshtastic.sqlite".
func DefaultDBPath(home string) string {
	return filepath.Join(home, "database", "meshtastic.sqlite")
}

// DefaultMatrixStorePath returns "<home>/matrix/store", the directory an
// E2EE implementation would use for Megolm/Olm key material.
func DefaultMatrixStorePath(home string) string {
	return filepath.Join(home, "matrix", "store")
}

// DefaultLogPath returns "<home>/logs/mmrelay.log".
func DefaultLogPath(home string) string {
	return filepath.Join(home, "logs", "mmrelay.log")
}

// DefaultPluginDataPath returns the scratch directory for a plugin kind
// ("custom" or "community") under "<home>/plugins/<kind>".
func DefaultPluginDataPath(home, kind string) string {
	return filepath.Join(home, "plugins", kind)
}

// EnsureDir creates all parent directories for the given file path.
func EnsureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, 0o700)
}

// EnsureHomeLayout creates the full persistent-state directory layout under
// home (§6): database/, matrix/store/, logs/, plugins/custom/,
// plugins/community/.
func EnsureHomeLayout(home string) error {
	dirs := []string{
		filepath.Join(home, "database"),
		DefaultMatrixStorePath(home),
		filepath.Join(home, "logs"),
		DefaultPluginDataPath(home, "custom"),
		DefaultPluginDataPath(home, "community"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	return "/tmp/mmrelay-" + strconv.Itoa(os.Getuid())
}
