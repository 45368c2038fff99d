package storage

import (
	"path/filepath"
	"strings"
)

const processedPrefix = "processed_"

// Base strips the directory and extension from a filename
func Base(name string) string {
	name = filepath.Base(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// ProcessedName is the canonical output video name for an uploaded file
func ProcessedName(uploaded string) string {
	return canonical(uploaded) + ".mp4"
}

// PredictionsName derives the ledger filename from either the uploaded or the
// processed filename. It is the only lookup rule; there are no fallbacks.
func PredictionsName(name string) string {
	return canonical(name) + "_predictions.csv"
}

// EvidenceDirName derives the per-job evidence directory name
func EvidenceDirName(name string) string {
	return canonical(name)
}

func canonical(name string) string {
	base := Base(name)
	if !strings.HasPrefix(base, processedPrefix) {
		base = processedPrefix + base
	}
	return base
}
