package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/breadfs/breadfs/internal/storage"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Size unit constants for human-readable formatting.
const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
	sizeGB = 1024 * 1024 * 1024
	sizeTB = 1024 * 1024 * 1024 * 1024
)

// formatSize returns a human-readable size string (e.g. "1.2 MB"), or "-"
// when the backend did not report one.
func formatSize(bytes int64) string {
	switch {
	case bytes < 0:
		return "-"
	case bytes >= sizeTB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/float64(sizeTB))
	case bytes >= sizeGB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(sizeGB))
	case bytes >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(sizeMB))
	case bytes >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(sizeKB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	// Compute column widths.
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// statJSON is the JSON output schema for one entry of ls and stat.
type statJSON struct {
	Path      string     `json:"path"`
	Kind      string     `json:"kind"`
	Size      *int64     `json:"size,omitempty"`
	ModTime   *time.Time `json:"mod_time,omitempty"`
	BirthTime *time.Time `json:"birth_time,omitempty"`
}

func toStatJSON(st *storage.FileStat) statJSON {
	out := statJSON{Path: st.Path, Kind: st.Kind.String()}

	if st.HasSize() {
		size := st.Size
		out.Size = &size
	}

	if !st.ModTime.IsZero() {
		mt := st.ModTime.UTC()
		out.ModTime = &mt
	}

	if !st.BirthTime.IsZero() {
		bt := st.BirthTime.UTC()
		out.BirthTime = &bt
	}

	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// progressPrinter renders transfer progress on one stderr line.
type progressPrinter struct {
	w     io.Writer
	last  time.Time
	every time.Duration
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, every: 200 * time.Millisecond}
}

// report is a storage.ProgressFunc. Updates closer together than every are
// dropped, except the final one.
func (pp *progressPrinter) report(p storage.Progress) {
	done := p.Total > 0 && p.Current >= p.Total

	now := time.Now()
	if !done && now.Sub(pp.last) < pp.every {
		return
	}

	pp.last = now

	if p.Total > 0 {
		fmt.Fprintf(pp.w, "\r%s  %s / %s  %3d%%", p.Src, formatSize(p.Current), formatSize(p.Total), p.Current*100/p.Total)
	} else {
		fmt.Fprintf(pp.w, "\r%s  %s", p.Src, formatSize(p.Current))
	}

	if done {
		fmt.Fprintln(pp.w)
	}
}
