package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestFile(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"small", []byte("abcdefghij")},
		{"larger than buffer", bytes.Repeat([]byte("x"), bufferSize+17)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "f")
			if err := os.WriteFile(path, c.data, 0644); err != nil {
				t.Fatalf("write: %v", err)
			}

			got, err := File(path)
			if err != nil {
				t.Fatalf("digest: %v", err)
			}

			sum := sha256.Sum256(c.data)
			want := hex.EncodeToString(sum[:])
			if got != want {
				t.Errorf("digest = %s, want %s", got, want)
			}
		})
	}
}

func TestFileMissing(t *testing.T) {
	if _, err := File(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
