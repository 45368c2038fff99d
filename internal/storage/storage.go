package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ilyas-assylbekov/sergek/internal/models"
)

// ErrLedgerFinalized is returned by Append and Finalize once the ledger was written
var ErrLedgerFinalized = errors.New("ledger already finalized")

var ledgerHeader = []string{"Filename", "Frame", "Bbox", "FPS"}

// Ledger accumulates one record per detection in processing order and
// persists them once, at the end of a run.
type Ledger struct {
	mu        sync.Mutex
	filename  string
	fps       float64
	records   []models.DetectionRecord
	finalized bool
}

// NewLedger creates an empty ledger for the given source filename
func NewLedger(filename string, fps float64) *Ledger {
	return &Ledger{
		filename: filename,
		fps:      fps,
		records:  []models.DetectionRecord{},
	}
}

// Append adds a record for one detection on frame
func (l *Ledger) Append(frame int, box models.BBox) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return ErrLedgerFinalized
	}
	l.records = append(l.records, models.DetectionRecord{
		Filename: l.filename,
		Frame:    frame,
		Box:      box,
		FPS:      l.fps,
	})
	return nil
}

// Len returns the number of records
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a copy of the accumulated records
func (l *Ledger) Records() []models.DetectionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.DetectionRecord(nil), l.records...)
}

// Finalize writes the ledger as CSV to path. The file appears atomically.
func (l *Ledger) Finalize(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return ErrLedgerFinalized
	}
	err := WriteFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(ledgerHeader); err != nil {
			return err
		}
		for _, r := range l.records {
			row := []string{
				r.Filename,
				strconv.Itoa(r.Frame),
				r.Box.String(),
				strconv.FormatFloat(r.FPS, 'f', -1, 64),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return fmt.Errorf("failed to write ledger '%s': %v: %w", path, err, models.ErrIO)
	}
	l.finalized = true
	return nil
}

// ReadLedger loads a persisted ledger. The returned fps is taken from the
// first row and is 0 when the ledger is empty.
func ReadLedger(path string) ([]models.DetectionRecord, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("ledger '%s': %w", path, models.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open ledger: %v: %w", err, models.ErrIO)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read ledger header: %v: %w", err, models.ErrIO)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[name] = i
	}
	for _, name := range ledgerHeader[:3] {
		if _, ok := cols[name]; !ok {
			return nil, 0, fmt.Errorf("ledger '%s' has no %s column: %w", path, name, models.ErrIO)
		}
	}
	fpsCol, hasFPS := cols["FPS"]

	records := []models.DetectionRecord{}
	var fps float64
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read ledger line %d: %v: %w", line, err, models.ErrIO)
		}
		frame, err := strconv.Atoi(row[cols["Frame"]])
		if err != nil {
			return nil, 0, fmt.Errorf("ledger line %d: frame: %v: %w", line, err, models.ErrIO)
		}
		box, err := models.ParseBBox(row[cols["Bbox"]])
		if err != nil {
			return nil, 0, fmt.Errorf("ledger line %d: %v: %w", line, err, models.ErrIO)
		}
		rec := models.DetectionRecord{Filename: row[cols["Filename"]], Frame: frame, Box: box}
		if hasFPS {
			rec.FPS, _ = strconv.ParseFloat(row[fpsCol], 64)
		}
		if len(records) == 0 {
			fps = rec.FPS
		}
		records = append(records, rec)
	}
	return records, fps, nil
}

// WriteFileAtomic writes to a temporary file in the target directory and
// renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
