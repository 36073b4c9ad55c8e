// Package scm wraps the go-git operations the core needs: detecting remote
// changes during a poll, and preparing the workspace before a build.
package scm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/ubershmekel/jenkins/internal/logfields"
	"github.com/ubershmekel/jenkins/internal/retry"
)

// Client performs git operations for one job's source.
type Client struct {
	URL    string
	Branch string
	Retry  retry.Policy
}

func NewClient(url, branch string) *Client {
	if branch == "" {
		branch = "main"
	}
	return &Client{URL: url, Branch: branch, Retry: retry.DefaultPolicy()}
}

func (c *Client) branchRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(c.Branch)
}

// RemoteHead lists the remote's refs without touching the workspace and
// returns the hash of the configured branch head. Listing is retried under
// the client's backoff policy; a missing branch is not transient and fails
// immediately.
func (c *Client) RemoteHead(ctx context.Context) (string, error) {
	var refs []*plumbing.Reference
	err := retry.Do(ctx, c.Retry, func() error {
		remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
			Name: "origin",
			URLs: []string{c.URL},
		})
		listed, err := remote.ListContext(ctx, &git.ListOptions{})
		if err != nil {
			return err
		}
		refs = listed
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("list remote %s: %w", c.URL, err)
	}
	want := c.branchRef()
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("branch %q not found on remote %s", c.Branch, c.URL)
}

// HasChanges implements the change-detection operation run under a poll
// lease: it compares the remote head with the given baseline revision.
// An empty baseline (never built) always counts as changed.
func (c *Client) HasChanges(ctx context.Context, baseline string) (bool, string, error) {
	head, err := c.RemoteHead(ctx)
	if err != nil {
		return false, "", err
	}
	if baseline == "" {
		return true, head, nil
	}
	return head != baseline, head, nil
}

// Checkout makes the workspace contain the branch head and returns the
// checked-out revision. An existing clone is fetched and reset; anything else
// is removed and cloned fresh.
func (c *Client) Checkout(ctx context.Context, workspace string) (string, error) {
	if _, err := os.Stat(filepath.Join(workspace, ".git")); err == nil {
		if rev, err := c.update(ctx, workspace); err == nil {
			return rev, nil
		} else {
			slog.Warn("Incremental update failed, recloning", logfields.Path(workspace), logfields.Error(err))
		}
	}
	return c.clone(ctx, workspace)
}

func (c *Client) clone(ctx context.Context, workspace string) (string, error) {
	if err := os.RemoveAll(workspace); err != nil {
		return "", fmt.Errorf("clear workspace: %w", err)
	}
	repo, err := git.PlainCloneContext(ctx, workspace, false, &git.CloneOptions{
		URL:           c.URL,
		ReferenceName: c.branchRef(),
		SingleBranch:  true,
	})
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", c.URL, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD after clone: %w", err)
	}
	slog.Info("Cloned source", slog.String("url", c.URL), slog.String("commit", shortHash(head.Hash().String())), logfields.Path(workspace))
	return head.Hash().String(), nil
}

func (c *Client) update(ctx context.Context, workspace string) (string, error) {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return "", fmt.Errorf("open workspace clone: %w", err)
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin"})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return "", fmt.Errorf("fetch: %w", err)
	}
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", c.Branch), true)
	if err != nil {
		return "", fmt.Errorf("resolve remote branch: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return "", fmt.Errorf("reset to %s: %w", shortHash(remoteRef.Hash().String()), err)
	}
	return remoteRef.Hash().String(), nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// IsLocalPath reports whether a job source refers to a local directory, which
// tests and air-gapped setups use instead of a network remote.
func IsLocalPath(url string) bool {
	return strings.HasPrefix(url, "/") || strings.HasPrefix(url, "./") || strings.HasPrefix(url, "file://")
}
