// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "no exports",
			cfg:     Config{},
			wantErr: "no exports",
		},
		{
			name:    "unnamed export",
			cfg:     Config{Exports: []Export{{Prefix: "/a"}}},
			wantErr: "name is required",
		},
		{
			name: "unknown type",
			cfg: Config{Exports: []Export{
				{Name: "x", Prefix: "/a", Type: "ftp"},
			}},
			wantErr: `unknown type "ftp"`,
		},
		{
			name: "duplicate prefix",
			cfg: Config{Exports: []Export{
				{Name: "x", Prefix: "/a"},
				{Name: "y", Prefix: "/a/"},
			}},
			wantErr: "share prefix /a",
		},
		{
			name: "valid",
			cfg: Config{Exports: []Export{
				{Name: "x", Prefix: "/a"},
				{Name: "y", Prefix: "/a/b"},
			}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateFillsDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Exports: []Export{{Name: "only"}}}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ExportTypeS3, cfg.Exports[0].Type)
	assert.Equal(t, "/", cfg.Exports[0].Prefix)
}

func TestConfig_Resolve(t *testing.T) {
	t.Parallel()

	cfg := Config{Exports: []Export{
		{Name: "root", Prefix: "/"},
		{Name: "backups", Prefix: "/backups"},
		{Name: "cold", Prefix: "/backups/cold"},
	}}
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name       string
		path       string
		wantExport string
		wantKey    string
		wantErr    bool
	}{
		{"root fallback", "/misc/file.txt", "root", "misc/file.txt", false},
		{"prefix match", "/backups/daily/db.dump", "backups", "daily/db.dump", false},
		{"longest prefix wins", "/backups/cold/2024/db.dump", "cold", "2024/db.dump", false},
		{"segment boundary", "/backupsx/file", "root", "backupsx/file", false},
		{"uncleaned path", "backups//daily/./db.dump", "backups", "daily/db.dump", false},
		{"export root is not a file", "/backups", "", "", true},
		{"bare slash", "/", "", "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exp, key, err := cfg.Resolve(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantExport, exp.Name)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestConfig_ResolveNoMatch(t *testing.T) {
	t.Parallel()

	cfg := Config{Exports: []Export{{Name: "backups", Prefix: "/backups"}}}
	require.NoError(t, cfg.Validate())

	_, _, err := cfg.Resolve("/elsewhere/file.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no export for path")
}

func TestExport_Credentials(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	accessFile := filepath.Join(dir, "access")
	secretFile := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(accessFile, []byte("AKIAFILE\n"), 0o600))
	require.NoError(t, os.WriteFile(secretFile, []byte("  filesecret  \n"), 0o600))

	t.Run("inline wins", func(t *testing.T) {
		e := Export{Name: "x", AccessKeyID: "inline", SecretAccessKey: "insecret", AccessKeyFile: accessFile}
		access, secret, err := e.Credentials()
		require.NoError(t, err)
		assert.Equal(t, "inline", access)
		assert.Equal(t, "insecret", secret)
	})

	t.Run("file fallback trims whitespace", func(t *testing.T) {
		e := Export{Name: "x", AccessKeyFile: accessFile, SecretKeyFile: secretFile}
		access, secret, err := e.Credentials()
		require.NoError(t, err)
		assert.Equal(t, "AKIAFILE", access)
		assert.Equal(t, "filesecret", secret)
	})

	t.Run("missing file", func(t *testing.T) {
		e := Export{Name: "x", AccessKeyFile: filepath.Join(dir, "absent")}
		_, _, err := e.Credentials()
		assert.Error(t, err)
	})
}

func TestExport_BearerToken(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("tok-from-file\n"), 0o600))

	e := Export{Name: "x", Token: "tok-inline", TokenFile: tokenFile}
	token, err := e.BearerToken()
	require.NoError(t, err)
	assert.Equal(t, "tok-inline", token)

	e = Export{Name: "x", TokenFile: tokenFile}
	token, err = e.BearerToken()
	require.NoError(t, err)
	assert.Equal(t, "tok-from-file", token)

	e = Export{Name: "x"}
	token, err = e.BearerToken()
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestExport_PartSizeBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		partSize string
		want     int64
		wantErr  bool
	}{
		{"default", "", DefaultPartSize, false},
		{"si units", "100MB", 100_000_000, false},
		{"binary units", "64MiB", 64 * 1024 * 1024, false},
		{"below minimum", "1MB", 0, true},
		{"junk", "lots", 0, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := Export{Name: "x", PartSize: tt.partSize}
			got, err := e.PartSizeBytes()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
