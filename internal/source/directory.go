package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/szaher/gitsync/internal/resource"
)

// Directory reads manifests from a directory tree. The revision is a hash
// of the manifest contents.
type Directory struct {
	// FS is the filesystem to read; Root is relative to it.
	FS   billy.Filesystem
	Root string
}

// NewDirectory returns a Directory source for a path on the local disk.
func NewDirectory(path string) *Directory {
	return &Directory{FS: osfs.New(path), Root: "/"}
}

// ListDesiredStates implements engine.Source.
func (d *Directory) ListDesiredStates(ctx context.Context, scope resource.Scope) ([]resource.DesiredState, error) {
	files, err := d.Files(ctx)
	if err != nil {
		return nil, err
	}
	return Build(files, ContentRevision(files), scope)
}

// Files returns every manifest file under the root.
func (d *Directory) Files(ctx context.Context) ([]File, error) {
	root := d.Root
	if root == "" {
		root = "/"
	}
	if _, err := d.FS.Stat(root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	var files []File
	err := util.Walk(d.FS, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			if path != root && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsManifest(path) {
			return nil
		}
		content, err := util.ReadFile(d.FS, path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Content: content})
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrSourceUnavailable, root, err)
	}
	return files, nil
}
