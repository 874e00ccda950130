package server

import (
	"fmt"
	"os"
	"path/filepath"
)

// commitToDisk materializes entry's staged writes to mountPath/filename
// in WriteNum order, so that later writes in the same commit overwrite
// earlier ones at overlapping offsets deterministically. The file is
// opened for write without truncation — previously committed bytes
// outside this commit's offsets survive. os.File.WriteAt needs no
// explicit Seek.
func commitToDisk(mountPath string, entry *fileEntry) (bytesWritten int64, err error) {
	path := filepath.Join(mountPath, entry.filename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o777)
	if err != nil {
		return 0, fmt.Errorf("server: open %s: %w", path, err)
	}
	defer f.Close()

	for _, w := range entry.staged {
		n, werr := f.WriteAt(w.Data[:w.BlockSize], int64(w.ByteOffset))
		if werr != nil {
			return bytesWritten, fmt.Errorf("server: write %s at offset %d: %w", path, w.ByteOffset, werr)
		}
		bytesWritten += int64(n)
	}
	return bytesWritten, nil
}
