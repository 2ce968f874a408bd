package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// segmentFileRe matches CityHall's zero-padded 6-digit segment file names,
// e.g. "000042.wal" — the naming scheme from spec.md §3.
var segmentFileRe = regexp.MustCompile(`^(\d{6})\.wal$`)

// segmentName renders the on-disk file name for a segment number.
func segmentName(seg uint64) string {
	return fmt.Sprintf("%06d.wal", seg)
}

// segmentPath joins dir with the segment's file name.
func segmentPath(dir string, seg uint64) string {
	return filepath.Join(dir, segmentName(seg))
}

// listSegmentFiles returns every segment number present in dir, sorted
// ascending. A missing directory is treated as "no segments" rather than
// an error, mirroring a fresh start.
func listSegmentFiles(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wal: reading segment directory: %w", err)
	}

	var segments []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, n)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	return segments, nil
}
