package source

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/szaher/gitsync/internal/resource"
)

// Git reads manifests from a commit of a git repository. The revision is
// the commit hash. Remote repositories are cloned into memory once and
// fetched on later calls; a URL without a scheme opens a local repository.
type Git struct {
	URL string
	// Revision is a branch, tag or commit. Empty means HEAD.
	Revision string
	// Path limits manifests to a directory of the repository.
	Path     string
	Username string
	Password string

	mu   sync.Mutex
	repo *git.Repository
}

// ListDesiredStates implements engine.Source.
func (g *Git) ListDesiredStates(ctx context.Context, scope resource.Scope) ([]resource.DesiredState, error) {
	files, rev, err := g.Files(ctx)
	if err != nil {
		return nil, err
	}
	return Build(files, rev, scope)
}

// Files returns the manifests at the configured revision and the commit
// hash they were read from.
func (g *Git) Files(ctx context.Context) ([]File, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	repo, err := g.open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, g.URL, err)
	}
	hash, err := g.resolve(repo)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, g.URL, err)
	}
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading commit %s: %v", ErrSourceUnavailable, hash, err)
	}
	files, err := commitFiles(commit, g.Path)
	if err != nil {
		return nil, "", err
	}
	return files, hash.String(), nil
}

func (g *Git) open(ctx context.Context) (*git.Repository, error) {
	if !isRemote(g.URL) {
		return git.PlainOpen(g.URL)
	}
	if g.repo == nil {
		repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{
			URL:  g.URL,
			Auth: g.auth(),
			Tags: git.AllTags,
		})
		if err != nil {
			return nil, err
		}
		g.repo = repo
		return repo, nil
	}
	err := g.repo.FetchContext(ctx, &git.FetchOptions{
		Auth:  g.auth(),
		Tags:  git.AllTags,
		Force: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, err
	}
	return g.repo, nil
}

func (g *Git) auth() transport.AuthMethod {
	if g.Username == "" && g.Password == "" {
		return nil
	}
	username := g.Username
	if username == "" {
		// Token auth accepts any non-empty user name.
		username = "git"
	}
	return &http.BasicAuth{Username: username, Password: g.Password}
}

// resolve finds the commit for g.Revision, trying remote branches and tags
// when the name does not resolve locally.
func (g *Git) resolve(repo *git.Repository) (plumbing.Hash, error) {
	rev := g.Revision
	if rev == "" {
		rev = "HEAD"
	}
	candidates := []string{rev}
	if !strings.HasPrefix(rev, "refs/") {
		candidates = append(candidates, "refs/remotes/origin/"+rev, "refs/tags/"+rev)
	}
	var lastErr error
	for _, c := range candidates {
		hash, err := repo.ResolveRevision(plumbing.Revision(c))
		if err == nil {
			return *hash, nil
		}
		lastErr = err
	}
	return plumbing.ZeroHash, fmt.Errorf("revision %q: %w", rev, lastErr)
}

func commitFiles(commit *object.Commit, dir string) ([]File, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("%w: reading tree: %v", ErrSourceUnavailable, err)
	}
	dir = strings.Trim(path.Clean("/"+dir), "/")
	if dir != "" {
		tree, err = tree.Tree(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: path %q: %v", ErrSourceUnavailable, dir, err)
		}
	}
	var files []File
	err = tree.Files().ForEach(func(f *object.File) error {
		if !IsManifest(f.Name) || hiddenPath(f.Name) {
			return nil
		}
		content, err := f.Contents()
		if err != nil {
			return err
		}
		files = append(files, File{Path: f.Name, Content: []byte(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading files: %v", ErrSourceUnavailable, err)
	}
	return files, nil
}

func hiddenPath(p string) bool {
	for _, part := range strings.Split(p, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func isRemote(url string) bool {
	return strings.Contains(url, "://") || strings.HasPrefix(url, "git@")
}
