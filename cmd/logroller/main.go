// Command logroller queries a collector's storage root directly,
// without going through the network listener.
//
//	logroller status
//	logroller runs [--limit N]
//	logroller devices --run RUN
//	logroller events [--run RUN] [--device DEV] [--limit N] [--ndjson]
//	logroller delete-run --run RUN
//	logroller export --run RUN (--out FILE | --s3)
//	logroller retry-uploads
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"logroller/internal/archive"
	"logroller/internal/codec"
	"logroller/internal/config"
	"logroller/internal/logger"
	"logroller/internal/model"
	"logroller/internal/store"
)

const defaultEventLimit = 200

var (
	errUsage  = errors.New("usage")
	errNoRuns = errors.New("no runs found in local storage")
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"status", "status", cmdStatus},
	{"runs", "runs [--limit N]", cmdRuns},
	{"devices", "devices --run RUN", cmdDevices},
	{"events", "events [--run RUN] [--device DEV] [--limit N] [--ndjson]", cmdEvents},
	{"delete-run", "delete-run --run RUN", cmdDeleteRun},
	{"export", "export --run RUN (--out FILE | --s3)", cmdExport},
	{"retry-uploads", "retry-uploads", cmdRetryUploads},
}

// app is the state shared by every subcommand.
type app struct {
	cfg   config.Config
	log   zerolog.Logger
	store *store.Store
	out   io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage()
		if len(args) == 0 {
			return 2
		}
		return 0
	}
	cmd, ok := lookup(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return 2
	}

	cfg := config.Load()
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "warn"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, out: out}
	err := cmd.run(ctx, a, args[1:])
	if a.store != nil {
		a.store.Close()
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, pflag.ErrHelp):
		fmt.Fprintf(os.Stderr, "usage: logroller %s\n", cmd.usage)
		return 2
	default:
		body, _ := codec.Marshal(model.ErrorResponse{OK: false, Error: cmd.name + "_failed", Message: err.Error()})
		fmt.Fprintln(os.Stderr, string(body))
		return 1
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: logroller <command> [--storage-root DIR] [flags]")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
	}
}

// flags returns a subcommand flag set carrying the shared flags.
func (a *app) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	a.cfg.BindFlags(fs)
	return fs
}

// open finishes setup once flags are parsed.
func (a *app) open() error {
	a.log = logger.Init(a.cfg, os.Stderr)
	st, err := store.Open(a.cfg.StorageRoot, store.Options{Logger: a.log})
	if err != nil {
		return err
	}
	a.store = st
	return nil
}

func (a *app) print(v any) error {
	body, err := codec.MarshalIndent(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(body))
	return err
}

func cmdStatus(ctx context.Context, a *app, args []string) error {
	fs := a.flags("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.open(); err != nil {
		return err
	}
	runs, err := a.store.ListRuns(ctx, 1)
	if err != nil {
		return err
	}
	return a.print(struct {
		OK          bool   `json:"ok"`
		StoragePath string `json:"storage_path"`
		HasRuns     bool   `json:"has_runs"`
	}{true, a.store.Root(), len(runs) > 0})
}

func cmdRuns(ctx context.Context, a *app, args []string) error {
	fs := a.flags("runs")
	limit := fs.Int("limit", store.DefaultRunLimit, "maximum runs, most recently updated first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.open(); err != nil {
		return err
	}
	runs, err := a.store.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}
	return a.print(runs)
}

func cmdDevices(ctx context.Context, a *app, args []string) error {
	fs := a.flags("devices")
	runID := fs.String("run", "", "run id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errUsage
	}
	if err := a.open(); err != nil {
		return err
	}
	devices, err := a.store.ListDevices(ctx, *runID)
	if err != nil {
		return err
	}
	return a.print(devices)
}

func cmdEvents(ctx context.Context, a *app, args []string) error {
	fs := a.flags("events")
	runID := fs.String("run", "", "run id (default: most recently updated run)")
	deviceID := fs.String("device", "", "only this device")
	limit := fs.Int("limit", defaultEventLimit, "maximum events, newest first")
	ndjson := fs.Bool("ndjson", false, "one event per line instead of the JSON envelope")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.open(); err != nil {
		return err
	}

	if *runID == "" {
		runs, err := a.store.ListRuns(ctx, 1)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return errNoRuns
		}
		*runID = runs[0].RunID
	}

	events, err := a.store.Events(ctx, *runID, *deviceID, *limit)
	if err != nil {
		return err
	}
	if *ndjson {
		return a.emitNDJSON(events)
	}
	if events == nil {
		events = []model.StoredEvent{}
	}
	return a.print(eventsResponse{
		OK:       true,
		RunID:    *runID,
		DeviceID: *deviceID,
		Count:    len(events),
		Events:   events,
	})
}

// eventsResponse is the events output when --ndjson is not given.
type eventsResponse struct {
	OK       bool                `json:"ok"`
	RunID    string              `json:"run_id"`
	DeviceID string              `json:"device_id,omitempty"`
	Count    int                 `json:"count"`
	Events   []model.StoredEvent `json:"events"`
}

func (a *app) emitNDJSON(events []model.StoredEvent) error {
	for _, ev := range events {
		line, err := codec.EncodeLine(ev)
		if err != nil {
			return err
		}
		if _, err := a.out.Write(line); err != nil {
			return err
		}
	}
	return nil
}

func cmdDeleteRun(ctx context.Context, a *app, args []string) error {
	fs := a.flags("delete-run")
	runID := fs.String("run", "", "run id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errUsage
	}
	if err := a.open(); err != nil {
		return err
	}
	if err := a.store.DeleteRun(ctx, *runID); err != nil {
		return err
	}
	return a.print(map[string]any{"ok": true, "run_id": *runID})
}

func cmdExport(ctx context.Context, a *app, args []string) error {
	fs := a.flags("export")
	runID := fs.String("run", "", "run id")
	outPath := fs.String("out", "", "write gzip NDJSON to this file")
	toS3 := fs.Bool("s3", false, "upload to ARCHIVE_BUCKET")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" || (*outPath == "") == !*toS3 {
		return errUsage
	}
	if err := a.open(); err != nil {
		return err
	}

	ex := archive.NewExporter(a.store, a.cfg.ArchivePrefix)
	x, err := ex.Encode(ctx, *runID)
	if err != nil {
		return err
	}

	result := map[string]any{"ok": true, "run_id": *runID, "events": x.Events, "bytes": len(x.Data)}
	if *outPath != "" {
		if err := archive.WriteFile(*outPath, x); err != nil {
			return err
		}
		result["path"] = *outPath
	} else {
		up, err := archive.NewS3Uploader(ctx, a.cfg, a.log)
		if err != nil {
			return err
		}
		key, err := ex.Upload(ctx, up, x)
		if err != nil {
			// keep the encoded run for retry-uploads
			sp, spErr := a.spool()
			if spErr != nil {
				return errors.Join(err, spErr)
			}
			name, spErr := sp.Save(x, ex.Key(x.RunID))
			if spErr != nil {
				return errors.Join(err, spErr)
			}
			return fmt.Errorf("%w (spooled as %s)", err, name)
		}
		result["bucket"] = a.cfg.ArchiveBucket
		result["key"] = key
	}
	log.Debug().Str("run_id", *runID).Int("events", x.Events).Msg("export done")
	return a.print(result)
}

func (a *app) spool() (*archive.Spool, error) {
	return archive.NewSpool(a.cfg.SpoolDir, a.cfg.SpoolMaxAge, a.cfg.SpoolMaxBytes, a.log)
}

func cmdRetryUploads(ctx context.Context, a *app, args []string) error {
	fs := a.flags("retry-uploads")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a.log = logger.Init(a.cfg, os.Stderr)

	sp, err := a.spool()
	if err != nil {
		return err
	}
	if len(sp.Pending()) == 0 {
		return a.print(map[string]any{"ok": true, "uploaded": 0, "expired": 0, "invalid": 0, "pending": 0})
	}
	up, err := archive.NewS3Uploader(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}

	counts := map[archive.SpoolResult]int{}
	for {
		res, err := sp.ProcessOne(ctx, up)
		if err != nil {
			return fmt.Errorf("%w (%d still pending)", err, len(sp.Pending()))
		}
		if res == archive.SpoolEmpty {
			break
		}
		counts[res]++
	}
	return a.print(map[string]any{
		"ok":       true,
		"uploaded": counts[archive.SpoolUploaded],
		"expired":  counts[archive.SpoolExpired],
		"invalid":  counts[archive.SpoolInvalid],
		"pending":  0,
	})
}
