// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"fmt"
	"path"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/s3consts"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3client"
	"github.com/CirrusDataWorks/cirrusfs/pkg/utils"
)

// DefaultPartSize is the multipart flush threshold when an export does not
// set one.
const DefaultPartSize int64 = 100_000_000 // 100MB

// Export describes one remote mount: a bucket (or HTTP endpoint) attached to
// a path prefix.
type Export struct {
	Name   string `mapstructure:"name"`
	Prefix string `mapstructure:"prefix"`
	Type   string `mapstructure:"type"` // "s3" (default) or "http"

	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	PathStyle bool   `mapstructure:"path_style"`

	// Credentials may be inline or in files holding nothing but the value.
	// Files win only when the inline value is absent.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	AccessKeyFile   string `mapstructure:"access_key_file"`
	SecretKeyFile   string `mapstructure:"secret_key_file"`

	// Token authenticates http exports. S3 exports ignore it.
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`

	// PartSize is the multipart flush threshold, in humanized form ("100MB",
	// "64MiB"). Empty selects DefaultPartSize.
	PartSize string `mapstructure:"part_size"`

	// AbortOnFailure aborts the server-side upload when a write handle fails,
	// instead of leaving the cleanup to a later reap.
	AbortOnFailure bool `mapstructure:"abort_on_failure"`
}

// Credentials returns the export's key pair, reading the key files when the
// inline values are absent. The values are never logged.
func (e *Export) Credentials() (access, secret string, err error) {
	access = e.AccessKeyID
	if access == "" && e.AccessKeyFile != "" {
		access, err = utils.ReadCredentialFile(e.AccessKeyFile)
		if err != nil {
			return "", "", fmt.Errorf("export %s: access key file: %w", e.Name, err)
		}
	}
	secret = e.SecretAccessKey
	if secret == "" && e.SecretKeyFile != "" {
		secret, err = utils.ReadCredentialFile(e.SecretKeyFile)
		if err != nil {
			return "", "", fmt.Errorf("export %s: secret key file: %w", e.Name, err)
		}
	}
	return access, secret, nil
}

// BearerToken returns the export's token, reading the token file when the
// inline value is absent. Empty means unauthenticated.
func (e *Export) BearerToken() (string, error) {
	if e.Token != "" {
		return e.Token, nil
	}
	if e.TokenFile == "" {
		return "", nil
	}
	token, err := utils.ReadCredentialFile(e.TokenFile)
	if err != nil {
		return "", fmt.Errorf("export %s: token file: %w", e.Name, err)
	}
	return token, nil
}

// ClientConfig builds the S3 client configuration for this export.
func (e *Export) ClientConfig() (s3client.Config, error) {
	access, secret, err := e.Credentials()
	if err != nil {
		return s3client.Config{}, err
	}
	return s3client.Config{
		Endpoint:        e.Endpoint,
		Region:          e.Region,
		Bucket:          e.Bucket,
		AccessKeyID:     access,
		SecretAccessKey: secret,
		PathStyle:       e.PathStyle,
	}, nil
}

// PartSizeBytes returns the multipart flush threshold in bytes.
func (e *Export) PartSizeBytes() (int64, error) {
	if e.PartSize == "" {
		return DefaultPartSize, nil
	}
	n, err := humanize.ParseBytes(e.PartSize)
	if err != nil {
		return 0, fmt.Errorf("export %s: bad part_size %q: %w", e.Name, e.PartSize, err)
	}
	if n < s3consts.MinPartSize || n > s3consts.MaxObjectSize {
		return 0, fmt.Errorf("export %s: part_size %s outside %s-%s", e.Name, e.PartSize,
			humanize.IBytes(s3consts.MinPartSize), humanize.IBytes(s3consts.MaxObjectSize))
	}
	return int64(n), nil
}

// Config is the set of exports making up the tree, plus where the upload
// journal lives.
type Config struct {
	Exports []Export `mapstructure:"exports"`

	// JournalDir is the LevelDB directory for in-flight upload records.
	// Empty disables journaling.
	JournalDir string `mapstructure:"journal_dir"`
}

// Validate normalizes prefixes and rejects configurations that cannot route:
// unnamed exports, duplicate prefixes, unknown types.
func (c *Config) Validate() error {
	if len(c.Exports) == 0 {
		return fmt.Errorf("no exports configured")
	}

	seen := make(map[string]string, len(c.Exports))
	for i := range c.Exports {
		e := &c.Exports[i]
		if e.Name == "" {
			return fmt.Errorf("export %d: name is required", i)
		}
		if e.Type == "" {
			e.Type = ExportTypeS3
		}
		if !registered(e.Type) {
			return fmt.Errorf("export %s: unknown type %q", e.Name, e.Type)
		}
		if e.Prefix == "" {
			e.Prefix = "/"
		}
		e.Prefix = path.Clean("/" + strings.TrimPrefix(e.Prefix, "/"))
		if other, dup := seen[e.Prefix]; dup {
			return fmt.Errorf("exports %s and %s share prefix %s", other, e.Name, e.Prefix)
		}
		seen[e.Prefix] = e.Name
	}
	return nil
}

// Resolve picks the export whose prefix is the longest match for p and
// returns it with the remaining key. Prefixes match on whole path segments;
// "/backups" claims "/backups/x" but not "/backupsx".
func (c *Config) Resolve(p string) (*Export, string, error) {
	cleaned := path.Clean("/" + strings.TrimPrefix(p, "/"))

	var best *Export
	for i := range c.Exports {
		e := &c.Exports[i]
		if !prefixMatch(cleaned, e.Prefix) {
			continue
		}
		if best == nil || len(e.Prefix) > len(best.Prefix) {
			best = e
		}
	}
	if best == nil {
		return nil, "", fmt.Errorf("no export for path %s", cleaned)
	}

	key := strings.TrimPrefix(cleaned, best.Prefix)
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return nil, "", fmt.Errorf("path %s names the export root, not a file", cleaned)
	}
	return best, key, nil
}

func prefixMatch(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
