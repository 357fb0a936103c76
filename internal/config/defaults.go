// Package config handles configuration loading and validation for argosd.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - Linux (root):  /var/lib/argosd/
//   - Linux (user):  $XDG_DATA_HOME/argosd/ or ~/.local/share/argosd/
//   - macOS:         ~/Library/Application Support/argosd/
//   - Windows:       %APPDATA%\argosd\
//
// Falls back to ~/.argosd if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "linux":
		return linuxDataDir()
	case "darwin":
		return macOSDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - Linux (root):  /var/log/argosd/
//   - Linux (user):  <data dir>/logs/
//   - macOS:         ~/Library/Logs/argosd/
//   - Windows:       %LOCALAPPDATA%\argosd\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "linux":
		if os.Geteuid() == 0 {
			return "/var/log/argosd"
		}
		return filepath.Join(linuxDataDir(), "logs")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "argosd")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "argosd", "logs")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Local", "argosd", "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

// PlatformRuntimeDir returns the platform-specific runtime directory
// for sockets and PID files.
//
// Platform paths:
//   - Linux (root):  /run/argosd/
//   - Linux (user):  $XDG_RUNTIME_DIR/argosd/ or /tmp/argosd-$UID/
//   - elsewhere:     /tmp/argosd-$UID/
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if os.Geteuid() == 0 {
			return "/run/argosd"
		}
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "argosd")
		}
	}
	return filepath.Join("/tmp", "argosd-"+strconv.Itoa(os.Getuid()))
}

// Linux paths following the XDG Base Directory Specification for
// unprivileged runs, FHS paths when running as root.

func linuxDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/argosd"
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "argosd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "argosd")
}

func macOSDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Application Support", "argosd")
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "argosd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Roaming", "argosd")
}

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".argosd")
}

func defaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\argosd`
	}
	return filepath.Join(PlatformRuntimeDir(), "argosd.sock")
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the first match, or empty string if none is found.
func FindConfigFile() string {
	searchDirs := []string{
		".",
		ArgosdDir(),
	}
	if runtime.GOOS == "linux" {
		searchDirs = append(searchDirs, "/etc/argosd")
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
