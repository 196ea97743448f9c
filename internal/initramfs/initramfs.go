// Package initramfs builds newc cpio archives suitable for staging as a
// ramdisk module, so a boot manifest can point at a plain directory instead
// of a prebuilt archive.
package initramfs

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/cavaliergopher/cpio"
)

// File is one regular file to place into the archive.
type File struct {
	Path string
	Mode fs.FileMode
	Data []byte
}

// BuildFiles writes a newc cpio archive containing exactly the given files.
func BuildFiles(w io.Writer, files []File) error {
	cw := cpio.NewWriter(w)
	for _, f := range files {
		if f.Path == "" {
			return fmt.Errorf("initramfs entry with empty path")
		}
		hdr := &cpio.Header{
			Name: f.Path,
			Mode: cpio.FileMode(f.Mode.Perm()),
			Size: int64(len(f.Data)),
		}
		if err := cw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write cpio header for %s: %w", f.Path, err)
		}
		if _, err := cw.Write(f.Data); err != nil {
			return fmt.Errorf("write cpio body for %s: %w", f.Path, err)
		}
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("close cpio archive: %w", err)
	}
	return nil
}

// Build archives every directory and regular file under root, in the
// deterministic order fs.WalkDir visits them. Other file types are skipped.
func Build(w io.Writer, root fs.FS) error {
	cw := cpio.NewWriter(w)

	err := fs.WalkDir(root, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		switch {
		case d.IsDir():
			hdr := &cpio.Header{
				Name: path,
				Mode: cpio.FileMode(info.Mode().Perm()) | cpio.TypeDir,
			}
			if err := cw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("write cpio header for %s/: %w", path, err)
			}
		case info.Mode().IsRegular():
			data, err := fs.ReadFile(root, path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			hdr := &cpio.Header{
				Name: path,
				Mode: cpio.FileMode(info.Mode().Perm()),
				Size: int64(len(data)),
			}
			if err := cw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("write cpio header for %s: %w", path, err)
			}
			if _, err := cw.Write(data); err != nil {
				return fmt.Errorf("write cpio body for %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := cw.Close(); err != nil {
		return fmt.Errorf("close cpio archive: %w", err)
	}
	return nil
}
