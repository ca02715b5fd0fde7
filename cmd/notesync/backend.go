package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kuitang/notesync/internal/config"
	"github.com/kuitang/notesync/internal/db"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/reconcile"
	"github.com/kuitang/notesync/internal/remote"
	"github.com/kuitang/notesync/internal/s3client"
)

// openStore opens the local store with the key derived from the master key.
func openStore(c *config.Config) (*db.Store, error) {
	local, _, err := c.StoreKeys()
	if err != nil {
		return nil, err
	}
	store, err := db.Open(c.DatabasePath, local)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	return store, nil
}

// openAdapter builds the remote adapter selected by c.Backend.
func openAdapter(ctx context.Context, c *config.Config) (remote.Adapter, error) {
	switch c.Backend {
	case config.BackendSnapshot:
		_, snapshotKey, err := c.StoreKeys()
		if err != nil {
			return nil, err
		}
		var blobs remote.BlobStore = remote.FileBlobStore{Dir: c.SnapshotDir}
		if c.UseS3() {
			client, err := s3client.New(ctx, s3client.Config{
				Endpoint:        c.AWSEndpointS3,
				Region:          c.AWSRegion,
				AccessKeyID:     c.AWSAccessKeyID,
				SecretAccessKey: c.AWSSecretAccessKey,
				BucketName:      c.AWSBucketName,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create S3 client: %w", err)
			}
			blobs = client
		}
		return remote.NewSnapshot(blobs, c.SnapshotKey, snapshotKey), nil

	case config.BackendGitHub:
		gh, err := remote.NewGitHub(remote.GitHubConfig{
			Token:    c.GitHubToken,
			Owner:    c.GitHubOwner,
			Repo:     c.GitHubRepo,
			APIURL:   c.GitHubAPIURL,
			NotesDir: c.GitHubNotesDir,
			RPS:      c.GitHubRPS,
			Burst:    c.GitHubBurst,
		})
		if err != nil {
			return nil, err
		}
		// Repositories of other owners (organizations) are not listed by
		// /user/repos, so only the token owner's vault is checked.
		if c.GitHubOwner == "" {
			status, err := gh.EnsureRepo(ctx, true)
			if err != nil {
				return nil, fmt.Errorf("failed to check notes repository: %w", err)
			}
			if status == remote.RepoConflict {
				return nil, fmt.Errorf("repository %q exists but is not a notes vault; set GITHUB_REPO to another name", c.GitHubRepo)
			}
		}
		return remote.NewPerNote(config.BackendGitHub, gh), nil

	case config.BackendMemory:
		obs.Pkg("main").Warn("memory_backend", "detail", "the remote lives only as long as this process")
		return remote.NewPerNote(config.BackendMemory, remote.NewMemoryNotes()), nil
	}
	return nil, fmt.Errorf("unknown backend %q", c.Backend)
}

// newEngine wires the store and adapter with the configured policy.
func newEngine(store *db.Store, adapter remote.Adapter, c *config.Config) *reconcile.Engine {
	return reconcile.New(store, adapter,
		reconcile.WithPolicy(c.Policy()),
		reconcile.WithMaxRetries(c.MaxRetries),
	)
}

// snapshotFile is the replica file a folder-backed snapshot remote writes,
// or "" for every other backend.
func snapshotFile(c *config.Config) string {
	if c.Backend != config.BackendSnapshot || c.UseS3() {
		return ""
	}
	return filepath.Join(c.SnapshotDir, filepath.FromSlash(c.SnapshotKey))
}
