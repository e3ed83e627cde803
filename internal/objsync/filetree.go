package objsync

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/keithlinneman/fullstack-deploy/internal/pathutil"
	"github.com/keithlinneman/fullstack-deploy/internal/xerrors"
)

// File is one regular file found under an upload root.
type File struct {
	Path string // absolute host path
	Rel  string // path within the root as walked, used to read the file
	Key  string // object key derived from Rel
}

// Enumerate lists regular files under root, sorted by key. Traversal goes
// through an os.Root so symlinks cannot reach outside the tree.
func Enumerate(root string) ([]File, error) {
	r, abs, err := openRoot(root)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return walkRoot(r, abs)
}

func openRoot(root string) (*os.Root, string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "resolve %s", root)
	}
	r, err := os.OpenRoot(abs)
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "open upload root %s", abs)
	}
	return r, abs, nil
}

func walkRoot(r *os.Root, abs string) ([]File, error) {
	var files []File
	if err := walkDir(r, abs, ".", &files); err != nil {
		return nil, xerrors.Wrapf(err, "walk %s", abs)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Key < files[j].Key })
	return files, nil
}

// walkDir appends the regular files under dir. Symlinked directories are
// walked under the link's own path.
func walkDir(r *os.Root, abs, dir string, files *[]File) error {
	return fs.WalkDir(r.FS(), dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// resolve symlinks and specials through the root; escapes fail here
		fi, err := fs.Stat(r.FS(), p)
		if err != nil {
			return xerrors.Wrapf(err, "stat %s", p)
		}
		if fi.IsDir() {
			if err := checkLinkCycle(r.FS(), p, fi); err != nil {
				return err
			}
			return walkDir(r, abs, p, files)
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		key, ok := pathutil.ObjectKey(p)
		if !ok {
			return xerrors.Newf("unsafe path %q under %s", p, abs)
		}
		*files = append(*files, File{Path: filepath.Join(abs, filepath.FromSlash(p)), Rel: p, Key: key})
		return nil
	})
}

// checkLinkCycle fails when the directory a link at p resolves to is also
// one of p's ancestors.
func checkLinkCycle(fsys fs.FS, p string, target fs.FileInfo) error {
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		fi, err := fs.Stat(fsys, dir)
		if err != nil {
			return xerrors.Wrapf(err, "stat %s", dir)
		}
		if os.SameFile(fi, target) {
			return xerrors.Newf("symlink cycle at %s", p)
		}
		if dir == "." {
			return nil
		}
	}
}
