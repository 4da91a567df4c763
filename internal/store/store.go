// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"logroller/internal/metrics"
	"logroller/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// FileExt is the extension of every per-device log file.
	FileExt = ".ndjson"

	// UnknownDevice is the device id used when neither the event nor the
	// batch names one.
	UnknownDevice = "unknown_device"

	// DefaultRunLimit is the query CLI's default for ListRuns.
	DefaultRunLimit = 100
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store closed")

	// ErrInvalidID is returned when a resolved run or device id cannot be
	// used as a path component.
	ErrInvalidID = errors.New("invalid identifier")
)

// StorageError wraps a filesystem failure with the operation and path.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// EventStore is what the router and the query CLI need from a store.
type EventStore interface {
	Ingest(ctx context.Context, batch model.IngestBatch, receivedAt time.Time) (model.Receipt, error)
	ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error)
	ListDevices(ctx context.Context, runID string) ([]model.DeviceSummary, error)
	Events(ctx context.Context, runID, deviceID string, limit int) ([]model.StoredEvent, error)
	DeleteRun(ctx context.Context, runID string) error
}

// Options configures a Store. The zero value is usable.
type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// NewID generates event ids; defaults to random UUIDs.
	NewID func() string
}

// Store
// ------------------------------------------------------------
// Append-only NDJSON event log plus the in-memory run index derived
// from it. Every operation, reads included, runs on one owner
// goroutine (loop), so the index and the files are never touched
// concurrently and all ingests and reads are totally ordered.
type Store struct {
	root    string
	log     zerolog.Logger
	metrics *metrics.Metrics
	newID   func() string

	index runIndex // owned by loop

	ops  chan op
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

type op struct {
	fn   func()
	done chan struct{}
}

var _ EventStore = (*Store)(nil)

// Open creates root if needed, rebuilds the index by replaying every
// <root>/<run>/<device>.ndjson file, and starts the owner goroutine.
func Open(root string, opts Options) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: root, Err: err}
	}

	s := &Store{
		root:    root,
		log:     opts.Logger.With().Str("component", "store").Logger(),
		metrics: opts.Metrics,
		newID:   opts.NewID,
		ops:     make(chan op),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}

	idx, err := s.rebuild()
	if err != nil {
		return nil, err
	}
	s.index = idx
	s.metrics.SetIndexedRuns(len(idx))
	s.log.Info().Str("root", root).Int("runs", len(idx)).Msg("store opened")

	go s.loop()
	return s, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// Close stops the owner goroutine. Pending callers receive ErrClosed.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
	return nil
}

func (s *Store) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case o := <-s.ops:
			o.fn()
			close(o.done)
		}
	}
}

// do runs fn on the owner goroutine. Once fn has been handed over it
// always runs to completion; ctx only bounds the wait for the owner.
func (s *Store) do(ctx context.Context, fn func()) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case s.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
	<-o.done
	return nil
}

func (s *Store) Ingest(ctx context.Context, batch model.IngestBatch, receivedAt time.Time) (model.Receipt, error) {
	var (
		receipt model.Receipt
		err     error
	)
	if doErr := s.do(ctx, func() { receipt, err = s.ingest(batch, receivedAt) }); doErr != nil {
		return model.Receipt{}, doErr
	}
	return receipt, err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	var runs []model.RunSummary
	if err := s.do(ctx, func() { runs = s.index.runs(limit) }); err != nil {
		return nil, err
	}
	s.log.Debug().Int("limit", limit).Int("runs", len(runs)).Msg("listRuns")
	return runs, nil
}

func (s *Store) ListDevices(ctx context.Context, runID string) ([]model.DeviceSummary, error) {
	var devices []model.DeviceSummary
	if err := s.do(ctx, func() { devices = s.index.devices(runID) }); err != nil {
		return nil, err
	}
	s.log.Debug().Str("run_id", runID).Int("devices", len(devices)).Msg("listDevices")
	return devices, nil
}

// Events reads the run's log files (or only deviceID's file when it is
// non-empty) and returns events newest first. limit <= 0 means no limit.
func (s *Store) Events(ctx context.Context, runID, deviceID string, limit int) ([]model.StoredEvent, error) {
	var (
		events []model.StoredEvent
		err    error
	)
	if doErr := s.do(ctx, func() { events, err = s.events(runID, deviceID, limit) }); doErr != nil {
		return nil, doErr
	}
	return events, err
}

// DeleteRun removes the run directory and its index entry. Deleting an
// unknown run is a no-op.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	var err error
	if doErr := s.do(ctx, func() { err = s.deleteRun(runID) }); doErr != nil {
		return doErr
	}
	return err
}
