package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// openImage opens a staging source. On an interactive terminal the returned
// reader reports staging progress on stderr. The cleanup function closes the
// file and finishes the bar.
func openImage(path string) (io.ReaderAt, int64, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("stat image: %w", err)
	}

	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return f, info.Size(), func() { f.Close() }, nil
	}

	bar := progressbar.DefaultBytes(info.Size(), "staging "+filepath.Base(path))
	pr := &progressReaderAt{src: f, bar: bar}
	cleanup := func() {
		bar.Finish()
		f.Close()
	}
	return pr, info.Size(), cleanup, nil
}

// progressReaderAt splits large reads into chunks so the bar advances while a
// big image is copied into the arena.
type progressReaderAt struct {
	src io.ReaderAt
	bar *progressbar.ProgressBar
}

const progressChunk = 1 << 20

func (r *progressReaderAt) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		end := total + progressChunk
		if end > len(p) {
			end = len(p)
		}
		n, err := r.src.ReadAt(p[total:end], off+int64(total))
		total += n
		r.bar.Add(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
