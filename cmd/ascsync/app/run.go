package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/google/go-github/v74/github"
	"github.com/spf13/cobra"

	"github.com/releasetools/ascsync/internal/asc"
	"github.com/releasetools/ascsync/internal/config"
	"github.com/releasetools/ascsync/internal/lock"
	"github.com/releasetools/ascsync/internal/notify"
	"github.com/releasetools/ascsync/internal/reconcile"
	"github.com/releasetools/ascsync/internal/tagstore"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Submit the latest eligible TestFlight build for review",
	Long: `Checks the remote review state and, when no version is in review, submits
the latest eligible TestFlight build for App Store review with release notes
taken from the associated change request.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runGated(cmd, func(ctx context.Context, deps *runDeps) error {
			return reconcile.NewDeploy(deps.registry, deps.notifier, deps.cfg).Reconcile(ctx)
		})
	},
}

var releaseSyncCmd = &cobra.Command{
	Use:   "release-sync",
	Short: "Record the live production build as a release tag",
	Long: `Queries the live production version and, when its release tag does not yet
exist, creates and pushes an annotated tag at the shipped commit and posts a
release comment on the merged change request.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runGated(cmd, func(ctx context.Context, deps *runDeps) error {
			return reconcile.NewReleaseSync(deps.registry, deps.tags, deps.notifier, deps.cfg).Reconcile(ctx)
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run both reconcilers (deploy, then release-sync)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runGated(cmd, func(ctx context.Context, deps *runDeps) error {
			if err := reconcile.NewDeploy(deps.registry, deps.notifier, deps.cfg).Reconcile(ctx); err != nil {
				return err
			}
			return reconcile.NewReleaseSync(deps.registry, deps.tags, deps.notifier, deps.cfg).Reconcile(ctx)
		})
	},
}

// runDeps are the collaborators a reconciliation run needs.
type runDeps struct {
	cfg      *config.Config
	registry *asc.Client
	tags     tagstore.Store
	notifier notify.Notifier
}

// runGated loads configuration, takes the mutual exclusion lock, builds the
// clients, and executes the run. Failing to get the lock is not an error:
// another invocation is already reconciling, so this one has nothing to do.
func runGated(cmd *cobra.Command, do func(ctx context.Context, deps *runDeps) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if dryRun, ferr := cmd.Flags().GetBool("dry-run"); ferr == nil && dryRun {
		cfg.DryRun = true
	}

	fileLock := lock.New(cfg.Lock.Path, cfg.Lock.StaleAfter)
	acquired, err := fileLock.Acquire()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		slog.Info("Another reconciliation run holds the lock, exiting",
			"lock", cfg.Lock.Path)
		return nil
	}
	defer func() {
		if err := fileLock.Release(); err != nil {
			slog.Error("Failed to release lock", "lock", cfg.Lock.Path, "error", err)
		}
	}()

	// SIGINT/SIGTERM cancel the run so the deferred lock release still
	// happens before exit.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	return do(ctx, deps)
}

func buildDeps(cfg *config.Config) (*runDeps, error) {
	key, err := asc.ParsePrivateKey([]byte(cfg.API.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("invalid App Store Connect private key: %w", err)
	}
	signer := asc.NewSigner(cfg.API.KeyID, cfg.API.IssuerID, key)
	registry := asc.NewClient(signer, cfg.App)

	tags, err := tagstore.New(cfg)
	if err != nil {
		return nil, err
	}

	var notifier notify.Notifier
	if cfg.Repo.Owner != "" && cfg.Repo.Name != "" && cfg.Repo.Token != "" {
		ghClient := github.NewClient(nil).WithAuthToken(cfg.Repo.Token)
		notifier = notify.NewGitHubNotifier(ghClient, cfg.Repo.Owner, cfg.Repo.Name)
	} else {
		slog.Info("Change-request notification disabled: repository owner, name, or token not configured")
		notifier = notify.NewNoopNotifier()
	}

	return &runDeps{cfg: cfg, registry: registry, tags: tags, notifier: notifier}, nil
}
