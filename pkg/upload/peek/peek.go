// Package peek inspects assembled archives without extracting them. It is
// strictly best-effort: a corrupt or misnamed archive must never fail an
// upload, so callers log errors and move on.
package peek

import (
	"archive/zip"
	"fmt"
	"strings"
)

// MaxEntries bounds the listing so a pathological archive cannot balloon
// the result.
const MaxEntries = 10

// IsZip reports whether the filename suggests a ZIP archive.
func IsZip(filename string) bool {
	return strings.HasSuffix(strings.ToLower(filename), ".zip")
}

// ZipEntries lists the top-level entries of the ZIP archive at path: names
// with no path separator, plus directory markers (trailing "/"). At most
// MaxEntries names are returned.
func ZipEntries(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer r.Close()

	var entries []string
	for _, f := range r.File {
		if !strings.Contains(f.Name, "/") || strings.HasSuffix(f.Name, "/") {
			entries = append(entries, f.Name)
			if len(entries) >= MaxEntries {
				break
			}
		}
	}
	return entries, nil
}
