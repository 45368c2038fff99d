package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/ilyas-assylbekov/sergek/internal/models"
)

// ErrUnsatisfiable is returned for well-formed ranges that start past the end
var ErrUnsatisfiable = errors.New("range not satisfiable")

// ParseRange parses a single-range "bytes=" header against a resource of
// size bytes and returns the inclusive byte span. Malformed and multi-range
// headers yield ErrRange; callers serve the whole resource for those.
func ParseRange(header string, size int64) (start, end int64, err error) {
	ranges, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("%q: unsupported unit: %w", header, models.ErrRange)
	}
	if strings.Contains(ranges, ",") {
		return 0, 0, fmt.Errorf("%q: multiple ranges: %w", header, models.ErrRange)
	}
	first, last, ok := strings.Cut(strings.TrimSpace(ranges), "-")
	if !ok {
		return 0, 0, fmt.Errorf("%q: %w", header, models.ErrRange)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// suffix range: the last n bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("%q: %w", header, models.ErrRange)
		}
		if n == 0 || size == 0 {
			return 0, 0, ErrUnsatisfiable
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("%q: %w", header, models.ErrRange)
	}
	end = size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("%q: %w", header, models.ErrRange)
		}
		if end > size-1 {
			end = size - 1
		}
	}
	if start >= size {
		return 0, 0, ErrUnsatisfiable
	}
	return start, end, nil
}

// streamFile writes path to w honouring a single Range header. The body is
// copied in chunks of chunkSize bytes; a failed write ends the response.
func streamFile(w http.ResponseWriter, r *http.Request, path, contentType string, chunkSize int, logger *slog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		logger.Error("Failed to open file", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	size := info.Size()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)

	status := http.StatusOK
	start, end := int64(0), size-1
	if header := r.Header.Get("Range"); header != "" {
		s, e, err := ParseRange(header, size)
		switch {
		case err == nil:
			start, end = s, e
			status = http.StatusPartialContent
			h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		case errors.Is(err, ErrUnsatisfiable):
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			h.Del("Content-Type")
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		default:
			logger.Debug("Ignoring malformed range", "range", header, "error", err)
		}
	}

	length := end - start + 1
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	if r.Method == http.MethodHead || length == 0 {
		return
	}

	body := io.NewSectionReader(f, start, length)
	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug("Client went away", "path", path, "error", werr)
				return
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			logger.Warn("Failed to read file", "path", path, "error", err)
			return
		}
	}
}
