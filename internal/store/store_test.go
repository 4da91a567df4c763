package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"logroller/internal/codec"
	"logroller/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

var base = time.Date(2026, time.February, 19, 20, 15, 0, 0, time.UTC)

func openStore(t *testing.T, root string) *Store {
	t.Helper()
	s, err := Open(root, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strp(s string) *string { return &s }

func event(name string, level model.Level, ts time.Time) model.IncomingEvent {
	return model.IncomingEvent{
		TS:      model.NewTime(ts),
		Level:   level,
		Event:   name,
		Payload: json.RawMessage(`{"source":"test"}`),
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestIngestWritesNDJSONAndUpdatesRunIndex(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := openStore(t, root)

	body := `{"run_id":"run_test","device_id":"device_a","events":[{"ts":"2026-02-19T20:15:01.123Z","level":"error","event":"rtc.failed","seq":1,"payload":{"reason":"timeout"}}]}`
	batch, err := codec.DecodeBatch([]byte(body))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}

	receipt, err := s.Ingest(ctx, batch, base)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !receipt.OK || receipt.Stored != 1 || receipt.RunID != "run_test" || receipt.DeviceID != "device_a" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].EventCount != 1 || runs[0].ErrorCount != 1 || runs[0].DeviceCount != 1 {
		t.Fatalf("unexpected runs %+v", runs)
	}

	events, err := s.Events(ctx, "run_test", "device_a", 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Event != "rtc.failed" || string(events[0].Payload) != `{"reason":"timeout"}` {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].ID == "" || !events[0].RecvTS.Equal(base) {
		t.Fatalf("expected server id and receive time, got %+v", events[0])
	}

	if _, err := os.Stat(filepath.Join(root, "run_test", "device_a.ndjson")); err != nil {
		t.Fatalf("expected device log file: %v", err)
	}
}

func TestIngestGeneratesFallbackIDs(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	recv := time.Date(2026, 2, 19, 20, 15, 1, 123_456_789, time.UTC)
	receipt, err := s.Ingest(ctx, model.IngestBatch{
		RunID:  strp("   "),
		Events: []model.IncomingEvent{event("a", model.LevelInfo, base)},
	}, recv)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if receipt.RunID != "run_2026-02-19T20-15-01.123Z" {
		t.Fatalf("unexpected generated run id %q", receipt.RunID)
	}
	if receipt.DeviceID != UnknownDevice {
		t.Fatalf("unexpected device id %q", receipt.DeviceID)
	}
}

func TestIngestResolvesIDsPerEvent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	first := event("first", model.LevelInfo, base)
	first.DeviceID = strp(" ")
	second := event("second", model.LevelWarn, base.Add(time.Second))
	second.RunID = strp("run_other")
	second.DeviceID = strp(" phone ")

	receipt, err := s.Ingest(ctx, model.IngestBatch{
		RunID:    strp("run_batch"),
		DeviceID: strp("tablet"),
		Events:   []model.IncomingEvent{first, second},
	}, base)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if receipt.Stored != 2 || receipt.RunID != "run_batch" || receipt.DeviceID != "tablet" {
		t.Fatalf("receipt should report the first event's ids, got %+v", receipt)
	}

	devices, _ := s.ListDevices(ctx, "run_other")
	if len(devices) != 1 || devices[0].DeviceID != "phone" {
		t.Fatalf("expected trimmed event-level device id, got %+v", devices)
	}
}

func TestIngestRejectsPathLikeIDs(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := openStore(t, root)

	for _, id := range []string{"..", ".", "a/b", `a\b`} {
		_, err := s.Ingest(ctx, model.IngestBatch{
			RunID:  strp(id),
			Events: []model.IncomingEvent{event("x", model.LevelInfo, base)},
		}, base)
		if !errors.Is(err, ErrInvalidID) {
			t.Fatalf("run id %q: expected ErrInvalidID, got %v", id, err)
		}
	}
	runs, _ := s.ListRuns(ctx, 0)
	if len(runs) != 0 {
		t.Fatalf("rejected batches must not be indexed: %+v", runs)
	}
}

func TestIngestStorageFailure(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := openStore(t, root)

	// A regular file where the run directory should go makes mkdir fail.
	writeFile(t, filepath.Join(root, "run_blocked"), "")

	_, err := s.Ingest(ctx, model.IngestBatch{
		RunID:  strp("run_blocked"),
		Events: []model.IncomingEvent{event("x", model.LevelInfo, base)},
	}, base)
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	runs, _ := s.ListRuns(ctx, 0)
	if len(runs) != 0 {
		t.Fatalf("failed append must not reach the index: %+v", runs)
	}
}

func TestLoadsLegacyRowsFromDisk(t *testing.T) {
	lines := map[string]string{
		"camel":      `{"id":"11111111-1111-1111-1111-111111111111","runID":"run_manual","deviceID":"mac_preview","ts":"2026-02-18T22:00:00.000Z","recvTS":"2026-02-18T22:00:00.100Z","level":"info","event":"ui.simulated","seq":7,"payload":{"source":"desktop"}}`,
		"underscore": `{"id":"22222222-2222-2222-2222-222222222222","run__id":"run_manual","device__id":"mac_preview","ts":"2026-02-18T22:00:00.000Z","recv__ts":"2026-02-18T22:00:00.100Z","level":"info","event":"ui.simulated","seq":8,"payload":{"source":"desktop"}}`,
		"hyphen":     `{"id":"33333333-3333-3333-3333-333333333333","run-id":"run_manual","device-id":"mac_preview","ts":"2026-02-18T22:00:00.000Z","recv-ts":"2026-02-18T22:00:00.100Z","level":"info","event":"ui.simulated","seq":"9","payload":{"source":"desktop"}}`,
	}
	for name, line := range lines {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			root := t.TempDir()
			writeFile(t, filepath.Join(root, "run_manual", "mac_preview.ndjson"), line+"\n")

			s := openStore(t, root)
			runs, _ := s.ListRuns(ctx, 10)
			if len(runs) != 1 || runs[0].RunID != "run_manual" || runs[0].EventCount != 1 {
				t.Fatalf("unexpected runs %+v", runs)
			}
			wantRecv := time.Date(2026, 2, 18, 22, 0, 0, 100_000_000, time.UTC)
			if !runs[0].UpdatedAt.Equal(wantRecv) {
				t.Fatalf("expected updated-at from legacy recv ts, got %s", runs[0].UpdatedAt)
			}

			events, err := s.Events(ctx, "run_manual", "", 10)
			if err != nil {
				t.Fatalf("events: %v", err)
			}
			if len(events) != 1 || events[0].DeviceID != "mac_preview" || events[0].Event != "ui.simulated" {
				t.Fatalf("unexpected events %+v", events)
			}
			if events[0].Seq == nil {
				t.Fatal("expected seq to be decoded")
			}
		})
	}
}

func TestReturnsFallbackEventForUnparseableRow(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	good := `{"id":"44444444-4444-4444-4444-444444444444","run_id":"run_manual","device_id":"mac_preview","ts":"2026-02-18T22:00:00.000Z","recv_ts":"2026-02-18T22:00:00.100Z","level":"info","event":"ok","payload":{}}`
	writeFile(t, filepath.Join(root, "run_manual", "mac_preview.ndjson"),
		"not_json_at_all\n"+good+"\n\n[1,2]\n")

	s := openStore(t, root)
	events, err := s.Events(ctx, "run_manual", "", 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected every non-empty line to surface, got %d", len(events))
	}

	var lineNumbers []int
	for _, ev := range events {
		if ev.RunID != "run_manual" || ev.DeviceID != "mac_preview" {
			t.Fatalf("unexpected ids %q %q", ev.RunID, ev.DeviceID)
		}
		if ev.Event != codec.UnparsedEventName {
			continue
		}
		var p struct {
			LineNumber int `json:"line_number"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		lineNumbers = append(lineNumbers, p.LineNumber)
	}
	if len(lineNumbers) != 2 {
		t.Fatalf("expected two placeholder events, got %v", lineNumbers)
	}
	for _, n := range lineNumbers {
		if n != 1 && n != 4 {
			t.Fatalf("unexpected line numbers %v", lineNumbers)
		}
	}

	runs, _ := s.ListRuns(ctx, 10)
	if len(runs) != 1 || runs[0].EventCount != 3 {
		t.Fatalf("index should count every surfaced row, got %+v", runs)
	}
}

func TestEventsFiltersByResolvedDevice(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	// The row names another device than its file; filtering happens on
	// the resolved id.
	writeFile(t, filepath.Join(root, "run_x", "dev_a.ndjson"),
		`{"id":"55555555-5555-5555-5555-555555555555","run_id":"run_x","device_id":"dev_b","ts":"2026-02-18T22:00:00.000Z","recv_ts":"2026-02-18T22:00:00.000Z","level":"info","event":"moved","payload":{}}`+"\n"+
			`{"id":"66666666-6666-6666-6666-666666666666","run_id":"run_x","device_id":"","ts":"2026-02-18T22:00:01.000Z","recv_ts":"2026-02-18T22:00:01.000Z","level":"info","event":"legacy","payload":{}}`+"\n")

	s := openStore(t, root)
	events, err := s.Events(ctx, "run_x", "dev_a", 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Event != "legacy" || events[0].DeviceID != "dev_a" {
		t.Fatalf("unexpected filtered events %+v", events)
	}

	missing, err := s.Events(ctx, "run_x", "nobody", 10)
	if err != nil || len(missing) != 0 {
		t.Fatalf("expected empty result for missing device file, got %v %v", missing, err)
	}
}

func TestOrderingAndLimits(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	for i := 0; i < 5; i++ {
		batch := model.IngestBatch{
			RunID:    strp(fmt.Sprintf("run_%d", i)),
			DeviceID: strp("dev"),
			Events: []model.IncomingEvent{
				event("a", model.LevelInfo, base.Add(time.Duration(10-i)*time.Minute)),
				event("b", model.LevelInfo, base.Add(time.Duration(20+i)*time.Minute)),
				event("c", model.LevelInfo, base.Add(time.Duration(i)*time.Minute)),
			},
		}
		if _, err := s.Ingest(ctx, batch, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	runs, _ := s.ListRuns(ctx, 3)
	if len(runs) != 3 {
		t.Fatalf("expected limit 3, got %d", len(runs))
	}
	for i, want := range []string{"run_4", "run_3", "run_2"} {
		if runs[i].RunID != want {
			t.Fatalf("runs[%d] = %s, want %s", i, runs[i].RunID, want)
		}
	}

	events, _ := s.Events(ctx, "run_2", "", 2)
	if len(events) != 2 || events[0].Event != "b" || events[1].Event != "a" {
		t.Fatalf("expected newest-first truncated events, got %+v", events)
	}
	all, _ := s.Events(ctx, "run_2", "", 0)
	if len(all) != 3 {
		t.Fatalf("limit 0 should return everything, got %d", len(all))
	}
}

func TestDeleteRun(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := openStore(t, root)

	if err := s.DeleteRun(ctx, "run_missing"); err != nil {
		t.Fatalf("delete of unknown run should be a no-op: %v", err)
	}

	_, err := s.Ingest(ctx, model.IngestBatch{
		RunID:    strp("run_delete_me"),
		DeviceID: strp("device_a"),
		Events:   []model.IncomingEvent{event("delete.test", model.LevelInfo, base)},
	}, base)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if err := s.DeleteRun(ctx, "run_delete_me"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteRun(ctx, "run_delete_me"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	runs, _ := s.ListRuns(ctx, 10)
	for _, r := range runs {
		if r.RunID == "run_delete_me" {
			t.Fatal("deleted run still listed")
		}
	}
	if _, err := os.Stat(filepath.Join(root, "run_delete_me")); !os.IsNotExist(err) {
		t.Fatalf("run directory should be gone, stat err = %v", err)
	}
	events, err := s.Events(ctx, "run_delete_me", "", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events after delete, got %v %v", events, err)
	}
}

func TestRebuildMatchesIncrementalIndex(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := Open(root, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	batches := []model.IngestBatch{
		{RunID: strp("run_a"), DeviceID: strp("phone"), Events: []model.IncomingEvent{
			event("x", model.LevelInfo, base), event("y", model.LevelError, base),
		}},
		{RunID: strp("run_a"), DeviceID: strp("tablet"), Events: []model.IncomingEvent{
			event("z", model.LevelWarn, base),
		}},
		{RunID: strp("run_b"), Events: []model.IncomingEvent{
			event("w", model.LevelError, base),
		}},
		{Events: []model.IncomingEvent{event("v", model.LevelDebug, base)}},
		{RunID: strp("run_a"), DeviceID: strp("phone"), Events: []model.IncomingEvent{
			event("u", model.LevelError, base),
		}},
	}
	for i, b := range batches {
		if _, err := s.Ingest(ctx, b, base.Add(time.Duration(i)*1500*time.Millisecond)); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	incremental := snapshot(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openStore(t, root)
	rebuilt := snapshot(t, reopened)

	if incremental != rebuilt {
		t.Fatalf("rebuilt index differs:\nincremental:\n%s\nrebuilt:\n%s", incremental, rebuilt)
	}
}

// snapshot renders every run and device summary so two indexes can be
// compared as text.
func snapshot(t *testing.T, s *Store) string {
	t.Helper()
	ctx := context.Background()
	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	var sb strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&sb, "%s created=%s updated=%s devices=%d events=%d errors=%d\n",
			r.RunID, r.CreatedAt, r.UpdatedAt, r.DeviceCount, r.EventCount, r.ErrorCount)
		devices, err := s.ListDevices(ctx, r.RunID)
		if err != nil {
			t.Fatalf("list devices: %v", err)
		}
		for _, d := range devices {
			fmt.Fprintf(&sb, "  %s last=%s events=%d\n", d.DeviceID, d.LastSeenAt, d.EventCount)
		}
	}
	return sb.String()
}

func TestConcurrentIngestIsSerialized(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := s.Ingest(ctx, model.IngestBatch{
					RunID:    strp("run_shared"),
					DeviceID: strp(fmt.Sprintf("dev_%d", w%3)),
					Events:   []model.IncomingEvent{event("tick", model.LevelInfo, base)},
				}, time.Now())
				if err != nil {
					t.Errorf("ingest: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	runs, _ := s.ListRuns(ctx, 0)
	if len(runs) != 1 || runs[0].EventCount != workers*perWorker {
		t.Fatalf("expected %d events, got %+v", workers*perWorker, runs)
	}
	events, err := s.Events(ctx, "run_shared", "", 0)
	if err != nil || len(events) != workers*perWorker {
		t.Fatalf("expected %d lines on disk, got %d (%v)", workers*perWorker, len(events), err)
	}
	for _, ev := range events {
		if ev.Event == codec.UnparsedEventName {
			t.Fatal("interleaved writes produced a corrupt line")
		}
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(t.TempDir(), Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = s.Close()

	if _, err := s.ListRuns(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFallbackRunID(t *testing.T) {
	got := FallbackRunID(time.Date(2026, 2, 19, 20, 15, 1, 0, time.FixedZone("KST", 9*3600)))
	if got != "run_2026-02-19T11-15-01.000Z" {
		t.Fatalf("unexpected fallback run id %q", got)
	}
}
