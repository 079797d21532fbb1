package sync

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/sidkik/lansync/pkg/errors"
)

// ResolveWithinRoot joins the forward-slash relative path `rel` onto `root`
// and checks that the result stays inside root. It's a purely lexical check;
// see OpenWithinRoot for one that also resolves symlinks.
func ResolveWithinRoot(root, rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", errors.PathTraversalRejected{Path: rel}
	}

	root = filepath.Clean(root)
	resolved := filepath.Join(root, filepath.FromSlash(rel))
	if !isWithin(root, resolved) || resolved == root {
		return "", errors.PathTraversalRejected{Path: rel}
	}
	return resolved, nil
}

func isWithin(root, path string) bool {
	relativePath, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return relativePath != ".." &&
		!strings.HasPrefix(relativePath, ".."+string(filepath.Separator)) &&
		!filepath.IsAbs(relativePath)
}

// OpenWithinRoot opens the regular file at `rel` below `root`. It returns
// errors.PathTraversalRejected if the path, after resolving symlinks, points
// outside of root, and errors.FileNotFound if there's no such file.
func OpenWithinRoot(root, rel string) (afero.File, os.FileInfo, error) {
	path, err := ResolveWithinRoot(root, rel)
	if err != nil {
		return nil, nil, err
	}

	if _, isOsFs := fs.(*afero.OsFs); isOsFs {
		canonicalRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return nil, nil, errors.FileNotFound{Path: rel}
		}

		canonicalPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil, nil, errors.FileNotFound{Path: rel}
		}

		if !isWithin(canonicalRoot, canonicalPath) {
			return nil, nil, errors.PathTraversalRejected{Path: rel}
		}
		path = canonicalPath
	}

	fi, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.FileNotFound{Path: rel}
		}
		return nil, nil, errors.WithContext(err, "stat")
	}

	if !fi.Mode().IsRegular() {
		return nil, nil, errors.FileNotFound{Path: rel}
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, errors.WithContext(err, "open")
	}
	return f, fi, nil
}
