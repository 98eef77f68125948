//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.infinityai.imagine"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "imagine")
	}
	return "imagine-data"
}

// darwinBackend keeps values in the user's defaults database.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

func (b *darwinBackend) Location() string {
	return "defaults domain " + b.domain
}

// defaults runs the defaults tool against the backend's domain. A missing
// key exits with status 1, which is reported as found == false.
func (b *darwinBackend) defaults(verb string, args ...string) (out string, found bool, err error) {
	argv := append([]string{verb, b.domain}, args...)
	raw, err := exec.Command("defaults", argv...).CombinedOutput()
	out = strings.TrimSpace(string(raw))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults %s %s: %w: %s", verb, strings.Join(args, " "), err, out)
	}
	return out, true, nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.defaults("read", key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.defaults("read", key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	_, _, err := b.defaults("write", key, "-string", val)
	return err
}

func (b *darwinBackend) SetInt(key string, val int) error {
	_, _, err := b.defaults("write", key, "-int", strconv.Itoa(val))
	return err
}

func (b *darwinBackend) Delete(key string) error {
	_, _, err := b.defaults("delete", key)
	return err
}
