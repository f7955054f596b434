package backup

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	// ArchiveExt is the extension of exported backups.
	ArchiveExt     = ".tar.gz"
	manifestName   = "MANIFEST.json"
	archiveDataDir = "data"
	archiveFormat  = "poshost-backup/1"
)

// ErrUnsafeArchive is returned for archives with entries that would land
// outside the extraction directory or that are not plain files, dirs or
// symlinks.
var ErrUnsafeArchive = errors.New("unsafe archive entry")

// Manifest is stored at the root of every exported archive.
type Manifest struct {
	Format    string    `json:"format"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Files     int       `json:"files"`
	SizeBytes int64     `json:"sizeBytes"`
	Digest    string    `json:"digest"`
}

// writeArchive streams the tree at src into a gzip-compressed tar at dst,
// under data/, preceded by the manifest.
func writeArchive(dst, src string, m Manifest) (err error) {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	m.Format = archiveFormat
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  m.CreatedAt,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return err
	}
	if _, err := tw.Write(manifest); err != nil {
		return err
	}

	walkErr := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name := archiveDataDir
		if rel != "." {
			name = path.Join(archiveDataDir, filepath.ToSlash(rel))
		}

		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		} else if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, filepath.ToSlash(link))
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uname, hdr.Gname = "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			return copyInto(tw, p)
		}
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func copyInto(w io.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// extractArchive unpacks src into dir, which must exist and be empty. It
// returns the manifest if the archive carries one. Entries are confined to
// dir: absolute names, parent references, hard links, devices and symlinks
// pointing outside the data tree are rejected. Symlinks are created after
// all other entries so no write can traverse one.
func extractArchive(src, dir string) (*Manifest, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	type symlink struct{ name, target string }
	var (
		manifest *Manifest
		links    []symlink
	)

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}

		name, err := entryName(hdr.Name)
		if err != nil {
			return nil, err
		}

		if name == manifestName {
			if hdr.Typeflag != tar.TypeReg {
				return nil, fmt.Errorf("%w: %s", ErrUnsafeArchive, hdr.Name)
			}
			var m Manifest
			if err := json.NewDecoder(io.LimitReader(tr, 1<<20)).Decode(&m); err != nil {
				return nil, fmt.Errorf("invalid manifest: %w", err)
			}
			manifest = &m
			continue
		}
		if name != archiveDataDir && !strings.HasPrefix(name, archiveDataDir+"/") {
			return nil, fmt.Errorf("%w: %s", ErrUnsafeArchive, hdr.Name)
		}

		target := filepath.Join(dir, filepath.FromSlash(name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
			if err := writeEntry(target, tr, hdr); err != nil {
				return nil, err
			}
		case tar.TypeSymlink:
			if !linkInside(name, hdr.Linkname) {
				return nil, fmt.Errorf("%w: symlink %s -> %s", ErrUnsafeArchive, hdr.Name, hdr.Linkname)
			}
			links = append(links, symlink{name: target, target: filepath.FromSlash(hdr.Linkname)})
		default:
			return nil, fmt.Errorf("%w: %s (type %q)", ErrUnsafeArchive, hdr.Name, hdr.Typeflag)
		}
	}

	for _, l := range links {
		if err := os.MkdirAll(filepath.Dir(l.name), 0o755); err != nil {
			return nil, err
		}
		if err := os.Symlink(l.target, l.name); err != nil {
			return nil, err
		}
	}
	return manifest, nil
}

// entryName cleans a tar entry name and rejects anything that is absolute
// or climbs out of the archive root.
func entryName(raw string) (string, error) {
	if raw == "" || strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, `\`) || filepath.VolumeName(raw) != "" || strings.Contains(raw, `\`) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchive, raw)
	}
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %s", ErrUnsafeArchive, raw)
		}
	}
	name := path.Clean(raw)
	if name == "." {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchive, raw)
	}
	return name, nil
}

// linkInside reports whether a symlink at name pointing to target resolves
// within the data tree.
func linkInside(name, target string) bool {
	if target == "" || path.IsAbs(target) || strings.Contains(target, `\`) || filepath.VolumeName(target) != "" {
		return false
	}
	resolved := path.Join(path.Dir(name), target)
	return resolved == archiveDataDir || strings.HasPrefix(resolved, archiveDataDir+"/")
}

func writeEntry(target string, r io.Reader, hdr *tar.Header) error {
	mode := fs.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(out, r, hdr.Size); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", hdr.Name, err)
	}
	return out.Close()
}
