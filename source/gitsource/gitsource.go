/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gitsource implements source.Fetcher from a git clone. It is the
// fallback used when the hosting API cannot list or serve files.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"chainguard.dev/prreview/session"
	"chainguard.dev/prreview/source"
	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"
)

const cloneDirPrefix = "prreview-clone-"

// repoURL resolves the remote for a repository. Tests point it at local
// repositories.
var repoURL = defaultRemoteURL

func defaultRemoteURL(repoFullName string) string {
	return fmt.Sprintf("https://github.com/%s.git", repoFullName)
}

// Fetcher reads pull request files from clones it owns. Clones are cached
// per repository and head commit; call Close to remove them.
type Fetcher struct {
	tokenSource oauth2.TokenSource
	maxBytes    int64
	maxClones   int

	mu     sync.Mutex
	clones map[string]*clone
	order  []string
}

// clone is guarded by Fetcher.mu. ready is closed once the clone attempt
// finishes; dir, repo and err are set before that.
type clone struct {
	ready   chan struct{}
	done    bool
	dir     string
	repo    *git.Repository
	err     error
	users   int
	evicted bool
}

var _ source.Fetcher = (*Fetcher)(nil)

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTokenSource authenticates clones with a GitHub access token.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(f *Fetcher) { f.tokenSource = ts }
}

// WithMaxFileBytes overrides source.DefaultMaxFileBytes.
func WithMaxFileBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// WithMaxClones bounds how many clones are kept on disk (default 4).
func WithMaxClones(n int) Option {
	return func(f *Fetcher) { f.maxClones = max(n, 1) }
}

// New returns a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		maxBytes:  source.DefaultMaxFileBytes,
		maxClones: 4,
		clones:    make(map[string]*clone),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Close removes every clone. Clones still being read are removed when their
// last reader finishes.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, key := range f.order {
		errs = append(errs, f.dropLocked(f.clones[key]))
	}
	f.clones = make(map[string]*clone)
	f.order = nil
	return errors.Join(errs...)
}

// ChangedFiles implements source.Fetcher. It diffs the merge base of
// BaseSHA and HeadSHA against HeadSHA, or HeadSHA against its first parent
// when no base is known.
func (f *Fetcher) ChangedFiles(ctx context.Context, info session.PRInfo) ([]string, error) {
	repo, release, err := f.checkout(ctx, info)
	if err != nil {
		return nil, err
	}
	defer release()
	head, err := repo.CommitObject(plumbing.NewHash(info.HeadSHA))
	if err != nil {
		return nil, fmt.Errorf("resolving head %s: %w", info.HeadSHA, err)
	}

	base, err := baseCommit(repo, head, info.BaseSHA)
	if err != nil {
		return nil, err
	}
	var baseTree *object.Tree
	if base != nil {
		if baseTree, err = base.Tree(); err != nil {
			return nil, fmt.Errorf("reading base tree: %w", err)
		}
	}
	headTree, err := head.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading head tree: %w", err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, baseTree, headTree, nil)
	if err != nil {
		return nil, fmt.Errorf("diffing trees: %w", err)
	}
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		if c.To.Name == "" {
			continue
		}
		paths = append(paths, c.To.Name)
	}
	return paths, nil
}

// baseCommit resolves the commit the pull request is compared against. It
// returns nil for a root commit with no base.
func baseCommit(repo *git.Repository, head *object.Commit, baseSHA string) (*object.Commit, error) {
	if baseSHA == "" {
		if head.NumParents() == 0 {
			return nil, nil
		}
		return head.Parent(0)
	}
	base, err := repo.CommitObject(plumbing.NewHash(baseSHA))
	if err != nil {
		return nil, fmt.Errorf("resolving base %s: %w", baseSHA, err)
	}
	bases, err := base.MergeBase(head)
	if err != nil {
		return nil, fmt.Errorf("computing merge base: %w", err)
	}
	if len(bases) > 0 {
		return bases[0], nil
	}
	return base, nil
}

// Content implements source.Fetcher.
func (f *Fetcher) Content(ctx context.Context, info session.PRInfo, path string) (string, error) {
	repo, release, err := f.checkout(ctx, info)
	if err != nil {
		return "", err
	}
	defer release()
	head, err := repo.CommitObject(plumbing.NewHash(info.HeadSHA))
	if err != nil {
		return "", fmt.Errorf("resolving head %s: %w", info.HeadSHA, err)
	}
	file, err := head.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", fmt.Errorf("%w: %s not found at %s", source.ErrUnavailable, path, info.HeadSHA)
	} else if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if f.maxBytes > 0 && file.Size > f.maxBytes {
		return "", fmt.Errorf("%w: %s is %d bytes", source.ErrUnavailable, path, file.Size)
	}
	if bin, err := file.IsBinary(); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	} else if bin {
		return "", fmt.Errorf("%w: %s is binary", source.ErrUnavailable, path)
	}
	text, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return source.Decode([]byte(text), f.maxBytes)
}

// checkout returns a clone containing info.HeadSHA and a func that must be
// called once the caller is done reading it. Concurrent callers share one
// clone attempt; a failed attempt is not cached.
func (f *Fetcher) checkout(ctx context.Context, info session.PRInfo) (*git.Repository, func(), error) {
	key := info.RepoFullName + "@" + info.HeadSHA
	for {
		f.mu.Lock()
		cl, ok := f.clones[key]
		if !ok {
			cl = &clone{ready: make(chan struct{})}
			f.clones[key] = cl
			f.order = append(f.order, key)
		}
		cl.users++
		f.mu.Unlock()

		if !ok {
			dir, repo, err := f.createClone(ctx, info)
			f.finish(key, cl, dir, repo, err)
		} else {
			select {
			case <-cl.ready:
			case <-ctx.Done():
				f.release(cl)
				return nil, nil, ctx.Err()
			}
		}

		if cl.err == nil {
			return cl.repo, func() { f.release(cl) }, nil
		}
		f.release(cl)
		// Another caller's attempt failed, possibly on its own context.
		if ok && ctx.Err() == nil {
			continue
		}
		return nil, nil, cl.err
	}
}

// finish records the outcome of a clone attempt and wakes its waiters.
func (f *Fetcher) finish(key string, cl *clone, dir string, repo *git.Repository, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cl.dir, cl.repo, cl.err, cl.done = dir, repo, err, true
	close(cl.ready)
	if err != nil {
		f.forgetLocked(key, cl)
		return
	}
	f.evictLocked()
}

func (f *Fetcher) release(cl *clone) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cl.users--
	if cl.evicted && cl.users == 0 {
		f.dropLocked(cl)
	}
}

// evictLocked drops the oldest finished clones beyond maxClones. Directories
// of clones that are still being read are removed by their last reader.
func (f *Fetcher) evictLocked() {
	for i := 0; len(f.order) > f.maxClones && i < len(f.order); {
		key := f.order[i]
		cl := f.clones[key]
		if !cl.done {
			i++
			continue
		}
		f.forgetLocked(key, cl)
		f.dropLocked(cl)
	}
}

func (f *Fetcher) forgetLocked(key string, cl *clone) {
	if f.clones[key] != cl {
		return
	}
	delete(f.clones, key)
	f.order = slices.DeleteFunc(f.order, func(k string) bool { return k == key })
}

// dropLocked removes cl's directory now when idle, or marks it for removal by
// its last reader.
func (f *Fetcher) dropLocked(cl *clone) error {
	cl.evicted = true
	if cl.users > 0 || cl.dir == "" {
		return nil
	}
	dir := cl.dir
	cl.dir = ""
	return os.RemoveAll(dir)
}

func (f *Fetcher) createClone(ctx context.Context, info session.PRInfo) (string, *git.Repository, error) {
	dir, err := os.MkdirTemp("", cloneDirPrefix)
	if err != nil {
		return "", nil, fmt.Errorf("creating temp dir: %w", err)
	}

	remote := repoURL(info.RepoFullName)
	clog.FromContext(ctx).Infof("Cloning repository %s into %s", remote, dir)

	auth, err := f.authForRemote()
	if err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("getting token: %w", err)
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:        remote,
		NoCheckout: true,
		Auth:       auth,
	})
	if err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("cloning repository: %w", err)
	}

	// Forks' head commits are only reachable through the pull request ref.
	if _, err := repo.CommitObject(plumbing.NewHash(info.HeadSHA)); err != nil {
		ref := fmt.Sprintf("+refs/pull/%d/head:refs/remotes/origin/pr/%d", info.PRNumber, info.PRNumber)
		clog.FromContext(ctx).Infof("Fetching %s", ref)
		err := repo.FetchContext(ctx, &git.FetchOptions{
			RefSpecs: []gitconfig.RefSpec{gitconfig.RefSpec(ref)},
			Auth:     auth,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			os.RemoveAll(dir)
			return "", nil, fmt.Errorf("fetching pull request ref: %w", err)
		}
	}
	return dir, repo, nil
}

func (f *Fetcher) authForRemote() (transport.AuthMethod, error) {
	if f.tokenSource == nil {
		return nil, nil
	}
	token, err := f.tokenSource.Token()
	if err != nil {
		return nil, err
	}
	return &githttp.BasicAuth{
		Username: "unused-when-using-access-tokens",
		Password: token.AccessToken,
	}, nil
}
