package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/isdmx/runbox/language"
)

// FilePermission is the mode of every file placed in a sandbox.
const FilePermission = 0644

// PackFiles builds an uncompressed tar archive holding files at the archive
// root. Names are written in sorted order so identical payloads produce
// identical archives apart from modification times.
func PackFiles(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		if !language.ValidFileName(name) {
			return nil, fmt.Errorf("invalid file name in payload: %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)
	now := time.Now()

	for _, name := range names {
		data := files[name]
		header := &tar.Header{
			Name:     name,
			Mode:     FilePermission,
			Size:     int64(len(data)),
			ModTime:  now,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("failed to write tar header for %s: %w", name, err)
		}
		if _, err := tarWriter.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write %s to tar: %w", name, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar: %w", err)
	}

	return buf.Bytes(), nil
}
