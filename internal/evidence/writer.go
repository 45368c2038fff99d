package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"

	"github.com/ilyas-assylbekov/sergek/internal/models"
	"github.com/ilyas-assylbekov/sergek/internal/storage"
)

// ManifestName is the index file written next to the evidence images
const ManifestName = "evidence.json"

// Manifest describes the evidence of one run
type Manifest struct {
	Source   string                 `json:"source"`
	Evidence []models.EvidenceEntry `json:"evidence"`
}

// FileName is the image name for an entry, by rank and timestamp
func FileName(e models.EvidenceEntry) string {
	return fmt.Sprintf("topframe_%d_%.2f.jpg", e.Rank, e.Timestamp)
}

// Write recreates dir and writes one JPEG per entry plus the manifest. The
// File field of each entry is set to the image name.
func Write(dir, source string, entries []models.EvidenceEntry, quality int) error {
	// Ensure directory is recreated
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear evidence directory '%s': %v: %w", dir, err, models.ErrIO)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create evidence directory '%s': %v: %w", dir, err, models.ErrIO)
	}

	for i := range entries {
		name := FileName(entries[i])
		if err := writeJPEG(filepath.Join(dir, name), entries[i], quality); err != nil {
			return fmt.Errorf("failed to save evidence %s: %v: %w", name, err, models.ErrIO)
		}
		entries[i].File = name
	}
	return WriteManifest(dir, Manifest{Source: source, Evidence: entries})
}

func writeJPEG(path string, e models.EvidenceEntry, quality int) error {
	if e.Image == nil {
		return errors.New("entry has no image")
	}
	return storage.WriteFileAtomic(path, func(w io.Writer) error {
		return jpeg.Encode(w, e.Image, &jpeg.Options{Quality: quality})
	})
}

// WriteManifest (re)writes the manifest of dir
func WriteManifest(dir string, m Manifest) error {
	err := storage.WriteFileAtomic(filepath.Join(dir, ManifestName), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	})
	if err != nil {
		return fmt.Errorf("failed to write evidence manifest: %v: %w", err, models.ErrIO)
	}
	return nil
}

// ReadManifest loads the manifest of dir
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("evidence for '%s': %w", filepath.Base(dir), models.ErrNotFound)
		}
		return Manifest{}, fmt.Errorf("read evidence manifest: %v: %w", err, models.ErrIO)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode evidence manifest: %v: %w", err, models.ErrIO)
	}
	return m, nil
}
