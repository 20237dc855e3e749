// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

func ResolvePath(path string) string {
	if !strings.Contains(path, "~") {
		return path
	}

	if path == "~" {
		if usr, err := user.Current(); err == nil {
			path = usr.HomeDir
		}
	} else if strings.HasPrefix(path, "~/") {
		if usr, err := user.Current(); err == nil {
			path = filepath.Join(usr.HomeDir, path[2:])
		}
	}

	path = os.ExpandEnv(path)
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}

	return path
}

// ReadCredentialFile reads a single credential from a key file, trimming the
// trailing newline most tools leave behind. The file contents are never logged.
func ReadCredentialFile(path string) (string, error) {
	data, err := os.ReadFile(ResolvePath(path))
	if err != nil {
		return "", fmt.Errorf("read credential file: %w", err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("credential file %s is empty", path)
	}
	return v, nil
}
