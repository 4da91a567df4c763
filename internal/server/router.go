package server

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"logroller/internal/codec"
	"logroller/internal/metrics"
	"logroller/internal/model"
	"logroller/internal/store"
	"logroller/internal/transport"
)

// Error codes carried in {"ok":false,"error":...} bodies.
const (
	CodeInvalidJSON       = "invalid_json_payload"
	CodeEmptyEvents       = "events_must_not_be_empty"
	CodeInvalidIdentifier = "invalid_identifier"
	CodeIngestFailed      = "ingest_failed"
	CodePayloadTooLarge   = "payload_too_large"
	CodeNotFound          = "not_found"
	CodeNotRunning        = "server_not_running"
)

const indexHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>LogRoller</title></head>
<body>
<h1>LogRoller</h1>
<p>Local telemetry collector. POST events to <code>/ingest</code>; health at <code>/healthz</code>.</p>
</body>
</html>
`

// Router maps requests to responses. It holds no state besides its
// collaborators; the start time is passed per request.
type Router struct {
	store       store.EventStore
	version     string
	maxBodySize int64
	log         zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type RouterOptions struct {
	Version string
	// MaxBodySize also bounds the inflated size of gzip bodies.
	MaxBodySize int64
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func NewRouter(st store.EventStore, opts RouterOptions) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		store:       st,
		version:     opts.Version,
		maxBodySize: opts.MaxBodySize,
		log:         opts.Logger.With().Str("component", "router").Logger(),
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
}

// Route answers one request. startedAt is the controller's start time;
// nil means unknown and reports zero uptime.
func (rt *Router) Route(ctx context.Context, req transport.Request, startedAt *time.Time) transport.Response {
	begin := rt.now()

	var (
		route string
		resp  transport.Response
	)
	switch {
	case req.Method == "GET" && req.Path == "/":
		route = "/"
		resp = rt.handleIndex()
	case req.Method == "GET" && req.Path == "/healthz":
		route = "/healthz"
		resp = rt.handleHealth(startedAt)
	case req.Method == "POST" && req.Path == "/ingest":
		route = "/ingest"
		resp = rt.handleIngest(ctx, req)
	default:
		route = "other"
		resp = ErrorJSON(404, CodeNotFound, "")
	}

	elapsed := rt.now().Sub(begin)
	rt.metrics.ObserveRequest(req.Method, route, resp.Status, elapsed)
	rt.log.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.Status).
		Str("client", clientAddr(req)).
		Dur("duration", elapsed).
		Msg("request")
	return resp
}

func (rt *Router) handleIndex() transport.Response {
	return transport.Response{
		Status: 200,
		Headers: transport.Header{
			"Content-Type":  "text/html; charset=utf-8",
			"Cache-Control": "no-store",
		},
		Body: []byte(indexHTML),
	}
}

func (rt *Router) handleHealth(startedAt *time.Time) transport.Response {
	var uptime float64
	if startedAt != nil {
		uptime = rt.now().Sub(*startedAt).Seconds()
		if uptime < 0 {
			uptime = 0
		}
	}
	return JSON(200, model.HealthResponse{OK: true, Version: rt.version, UptimeS: uptime})
}

// handleIngest
//
//  1. inflate a gzip Content-Encoding
//  2. decode batch, else bare event
//  3. reject empty batches
//  4. append through the store
func (rt *Router) handleIngest(ctx context.Context, req transport.Request) transport.Response {
	body, err := codec.InflateBody(req.Body, req.Headers.Get("Content-Encoding"), rt.maxBodySize)
	if errors.Is(err, codec.ErrBodyTooLarge) {
		return ErrorJSON(413, CodePayloadTooLarge, "")
	}
	if err != nil {
		return ErrorJSON(400, CodeInvalidJSON, err.Error())
	}

	batch, err := codec.DecodeBatch(body)
	if err != nil {
		return ErrorJSON(400, CodeInvalidJSON, "")
	}
	if len(batch.Events) == 0 {
		return ErrorJSON(400, CodeEmptyEvents, "")
	}

	receipt, err := rt.store.Ingest(ctx, batch, rt.now())
	switch {
	case err == nil:
		return JSON(200, receipt)
	case errors.Is(err, store.ErrInvalidID):
		return ErrorJSON(400, CodeInvalidIdentifier, err.Error())
	default:
		rt.log.Error().Err(err).Int("events", len(batch.Events)).Msg("ingest failed")
		return ErrorJSON(500, CodeIngestFailed, err.Error())
	}
}

// JSON renders v with an application/json content type.
func JSON(status int, v any) transport.Response {
	body, err := codec.Marshal(v)
	if err != nil {
		return transport.Response{
			Status:  500,
			Headers: transport.Header{"Content-Type": "application/json"},
			Body:    []byte(`{"ok":false,"error":"encode_failed"}`),
		}
	}
	return transport.Response{
		Status:  status,
		Headers: transport.Header{"Content-Type": "application/json"},
		Body:    body,
	}
}

// ErrorJSON renders the standard error body; message may be empty.
func ErrorJSON(status int, code, message string) transport.Response {
	return JSON(status, model.ErrorResponse{OK: false, Error: code, Message: message})
}
