// Package config resolves the settings both binaries share: the tunnel
// secret and the two URLs the daemon is started with.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/matst80/wsrelay/internal/obs"
)

const (
	SecretEnv = "TUNNEL_SECRET"
	FileName  = ".wsrelay.json"

	// LegacyFileName is read after FileName in each directory so existing
	// tunnel configs keep working.
	LegacyFileName = ".vercel-tunnel-config.json"
)

var ErrNoSecret = errors.New("no tunnel secret configured (use --secret, " + SecretEnv + " or " + FileName + ")")

// File is the on-disk config format.
type File struct {
	Secret string `json:"secret"`
}

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// DefaultSecretDirs returns the directories searched for FileName: the
// working directory first, then the home directory.
func DefaultSecretDirs() []string {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	return dirs
}

// ResolveSecret picks the secret by precedence: flag, environment, then the
// first readable FileName or LegacyFileName in dirs. Unreadable or malformed
// files are skipped with a warning.
func ResolveSecret(flagValue string, getenv func(string) string, dirs ...string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if getenv != nil {
		if v := getenv(SecretEnv); v != "" {
			return v, nil
		}
	}
	for _, dir := range dirs {
		for _, name := range []string{FileName, LegacyFileName} {
			path := filepath.Join(dir, name)
			secret, err := readSecretFile(path)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					obs.Warn("config.file.invalid", obs.Fields{"path": path, "err": err.Error()})
				}
				continue
			}
			if secret != "" {
				return secret, nil
			}
		}
	}
	return "", ErrNoSecret
}

func readSecretFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	return f.Secret, nil
}

// NormalizeTarget turns "host:port" or "http://host:port" into a URL,
// defaulting to plain http.
func NormalizeTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("target host is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid target %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid target %q: missing host", raw)
	}
	return u, nil
}

// ValidateListenerURL checks the listener URL and maps http(s) to ws(s).
func ValidateListenerURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid listener URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid listener URL %q: scheme must be ws, wss, http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid listener URL %q: missing host", raw)
	}
	return u.String(), nil
}
