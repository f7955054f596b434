package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// TreeStats summarises a directory tree.
type TreeStats struct {
	Files     int
	SizeBytes int64
	Digest    string
}

// copyTree copies src into dst, which must not exist. Regular files keep
// their permission bits; symlinks are recreated, not followed.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(dst, info.Mode().Perm()|0o700); err != nil {
		return err
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || rel == "." {
			return err
		}
		target := filepath.Join(dst, rel)

		switch mode := d.Type(); {
		case mode.IsDir():
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return os.Mkdir(target, fi.Mode().Perm()|0o700)
		case mode&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case mode.IsRegular():
			return copyFile(path, target)
		default:
			// Sockets, pipes and devices are not part of a database snapshot.
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// treeStats hashes every entry under root in lexical order. Two trees have
// the same digest iff they hold the same relative paths with identical
// contents and symlink targets.
func treeStats(root string) (TreeStats, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return TreeStats{}, err
	}
	sort.Strings(paths)

	var st TreeStats
	h := sha256.New()
	for _, path := range paths {
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)
		info, err := os.Lstat(path)
		if err != nil {
			return TreeStats{}, err
		}

		switch {
		case info.IsDir():
			fmt.Fprintf(h, "d %s\x00", rel)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return TreeStats{}, err
			}
			fmt.Fprintf(h, "l %s\x00%s\x00", rel, filepath.ToSlash(link))
		case info.Mode().IsRegular():
			fmt.Fprintf(h, "f %s\x00%d\x00", rel, info.Size())
			if err := hashFile(h, path); err != nil {
				return TreeStats{}, err
			}
			st.Files++
			st.SizeBytes += info.Size()
		}
	}
	st.Digest = hex.EncodeToString(h.Sum(nil))
	return st, nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// ErrInUse is returned by replaceDir when the current directory cannot be
// moved out of the way.
var ErrInUse = errors.New("data path in use")

// replaceDir swaps the prepared directory src into dst. The previous dst is
// moved aside first and moved back if the swap fails. On success it returns
// the path of previous data it could not delete, if any.
func replaceDir(dst, src string) (string, error) {
	aside := dst + ".old-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	hadOld := true
	if err := os.Rename(dst, aside); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %v", ErrInUse, err)
		}
		hadOld = false
	}

	if err := os.Rename(src, dst); err != nil {
		if hadOld {
			if rerr := os.Rename(aside, dst); rerr != nil {
				return "", fmt.Errorf("%w: swap failed (%v) and previous data left at %s: %v", ErrInUse, err, aside, rerr)
			}
		}
		return "", fmt.Errorf("%w: %v", ErrInUse, err)
	}

	if hadOld {
		if err := os.RemoveAll(aside); err != nil {
			return aside, nil
		}
	}
	return "", nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
