// internal/store/read.go
package store

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"logroller/internal/codec"
	"logroller/internal/model"
)

// readStats is the per-call bookkeeping logged by events().
type readStats struct {
	files    int
	lines    int
	decoded  int
	legacy   int
	fallback int
	filtered int
}

// readFile decodes every non-empty line of one device file. Line numbers
// are 1-based positions in the file, empty lines included.
func (s *Store) readFile(runID, path string, st *readStats, visit func(model.StoredEvent)) error {
	info, err := os.Stat(path)
	if err != nil {
		return &StorageError{Op: "stat", Path: path, Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &StorageError{Op: "read", Path: path, Err: err}
	}
	st.files++

	src := codec.Source{
		RunID:    runID,
		DeviceID: strings.TrimSuffix(filepath.Base(path), FileExt),
		Fallback: info.ModTime(),
	}
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		st.lines++
		src.Line = i + 1

		ev, tier := codec.DecodeLine(line, src)
		s.metrics.RowDecoded(tier.String())
		switch tier {
		case codec.TierCanonical:
			st.decoded++
		case codec.TierLegacy:
			st.legacy++
		case codec.TierUnparsed:
			st.fallback++
		}
		visit(ev)
	}
	return nil
}

// deviceFiles lists the *.ndjson files directly under dir.
func deviceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != FileExt {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// rebuild replays every <run>/<device>.ndjson under the root through the
// same decoder and index update used at ingest time.
func (s *Store) rebuild() (runIndex, error) {
	idx := make(runIndex)

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &StorageError{Op: "readdir", Path: s.root, Err: err}
	}

	var st readStats
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runID := e.Name()
		dir := filepath.Join(s.root, runID)
		files, err := deviceFiles(dir)
		if err != nil {
			return nil, &StorageError{Op: "readdir", Path: dir, Err: err}
		}
		for _, path := range files {
			if err := s.readFile(runID, path, &st, idx.apply); err != nil {
				return nil, err
			}
		}
	}

	s.log.Debug().
		Int("files", st.files).
		Int("lines", st.lines).
		Int("decoded", st.decoded).
		Int("legacy", st.legacy).
		Int("fallback", st.fallback).
		Msg("index rebuilt")
	return idx, nil
}

func (s *Store) events(runID, deviceID string, limit int) ([]model.StoredEvent, error) {
	out := []model.StoredEvent{}
	if !validID(runID) || (deviceID != "" && !validID(deviceID)) {
		return out, nil
	}

	dir := s.runDir(runID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Debug().Str("run_id", runID).Msg("events: run directory missing")
			return out, nil
		}
		return nil, &StorageError{Op: "stat", Path: dir, Err: err}
	}

	var files []string
	if deviceID != "" {
		files = []string{s.deviceFile(runID, deviceID)}
	} else {
		var err error
		if files, err = deviceFiles(dir); err != nil {
			return nil, &StorageError{Op: "readdir", Path: dir, Err: err}
		}
	}

	var st readStats
	for _, path := range files {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		err := s.readFile(runID, path, &st, func(ev model.StoredEvent) {
			if deviceID != "" && ev.DeviceID != deviceID {
				st.filtered++
				return
			}
			out = append(out, ev)
		})
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TS.After(out[j].TS.Time)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	s.log.Debug().
		Str("run_id", runID).
		Str("device_id", deviceID).
		Int("limit", limit).
		Int("files", st.files).
		Int("lines", st.lines).
		Int("decoded", st.decoded).
		Int("legacy", st.legacy).
		Int("fallback", st.fallback).
		Int("filtered", st.filtered).
		Int("returned", len(out)).
		Msg("events")
	return out, nil
}

func (s *Store) deleteRun(runID string) error {
	if validID(runID) {
		dir := s.runDir(runID)
		if err := os.RemoveAll(dir); err != nil {
			return &StorageError{Op: "remove", Path: dir, Err: err}
		}
	}
	delete(s.index, runID)
	s.metrics.SetIndexedRuns(len(s.index))
	s.log.Debug().Str("run_id", runID).Msg("deleteRun completed")
	return nil
}
