// Package config provides environment-driven configuration for ascsync.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all ascsync environment variables.
const EnvPrefix = "ASCSYNC"

const (
	// TagStoreLocal selects the go-git backed tag store operating on a local clone
	TagStoreLocal = "local"

	// TagStoreGitHub selects the GitHub API backed tag store
	TagStoreGitHub = "github"
)

// APIConfig holds App Store Connect API credentials.
type APIConfig struct {
	// KeyID is the App Store Connect API key identifier
	KeyID string

	// IssuerID is the App Store Connect API issuer identifier
	IssuerID string

	// PrivateKey is the PEM-encoded content of the .p8 private key
	PrivateKey string
}

// AppConfig identifies the target application.
type AppConfig struct {
	// BundleID is the app's bundle identifier
	BundleID string

	// Name disambiguates when multiple apps share a bundle ID
	Name string

	// ID, when set, bypasses bundle ID resolution entirely
	ID string
}

// RepoConfig holds source repository coordinates.
type RepoConfig struct {
	// Owner is the repository owner (organization or user)
	Owner string

	// Name is the repository name
	Name string

	// Path is the filesystem path of the local clone
	Path string

	// Token authenticates pushes and GitHub API calls
	Token string
}

// LockConfig controls the mutual exclusion lock.
type LockConfig struct {
	// Path is the lock file location
	Path string

	// StaleAfter is the age past which an existing lock is reclaimed
	StaleAfter time.Duration
}

// Config is the root configuration for a reconciliation run.
type Config struct {
	API  APIConfig
	App  AppConfig
	Repo RepoConfig
	Lock LockConfig

	// TagStore selects the tag store backend (local or github)
	TagStore string

	// Workflow restricts deploy candidates to builds produced by this
	// Xcode Cloud workflow. Empty means any workflow.
	Workflow string

	// ResubmitOnRejection lets a deploy run proceed past a rejected version
	ResubmitOnRejection bool

	// DryRun logs mutations instead of performing them
	DryRun bool
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("tag_store", TagStoreLocal)
	v.SetDefault("lock.path", "/tmp/ascsync.lock")
	v.SetDefault("lock.stale_after", "30m")

	staleAfter, err := time.ParseDuration(v.GetString("lock.stale_after"))
	if err != nil {
		return nil, fmt.Errorf("invalid ASCSYNC_LOCK_STALE_AFTER: %w", err)
	}

	cfg := &Config{
		API: APIConfig{
			KeyID:      v.GetString("api.key_id"),
			IssuerID:   v.GetString("api.issuer_id"),
			PrivateKey: v.GetString("api.private_key"),
		},
		App: AppConfig{
			BundleID: v.GetString("app.bundle_id"),
			Name:     v.GetString("app.name"),
			ID:       v.GetString("app.id"),
		},
		Repo: RepoConfig{
			Owner: v.GetString("repo.owner"),
			Name:  v.GetString("repo.name"),
			Path:  v.GetString("repo.path"),
			Token: v.GetString("repo.token"),
		},
		Lock: LockConfig{
			Path:       v.GetString("lock.path"),
			StaleAfter: staleAfter,
		},
		TagStore:            v.GetString("tag_store"),
		Workflow:            v.GetString("workflow"),
		ResubmitOnRejection: v.GetBool("resubmit_on_rejection"),
		DryRun:              v.GetBool("dry_run"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	var missing []string

	if c.API.KeyID == "" {
		missing = append(missing, "ASCSYNC_API_KEY_ID")
	}
	if c.API.IssuerID == "" {
		missing = append(missing, "ASCSYNC_API_ISSUER_ID")
	}
	if c.API.PrivateKey == "" {
		missing = append(missing, "ASCSYNC_API_PRIVATE_KEY")
	}
	if c.App.BundleID == "" && c.App.ID == "" {
		missing = append(missing, "ASCSYNC_APP_BUNDLE_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.TagStore {
	case TagStoreLocal:
		if c.Repo.Path == "" {
			return fmt.Errorf("tag store %q requires ASCSYNC_REPO_PATH", c.TagStore)
		}
	case TagStoreGitHub:
		if c.Repo.Owner == "" || c.Repo.Name == "" {
			return fmt.Errorf("tag store %q requires ASCSYNC_REPO_OWNER and ASCSYNC_REPO_NAME", c.TagStore)
		}
		if c.Repo.Token == "" {
			return fmt.Errorf("tag store %q requires ASCSYNC_REPO_TOKEN", c.TagStore)
		}
	default:
		return fmt.Errorf("unknown tag store type: %s", c.TagStore)
	}

	return nil
}
