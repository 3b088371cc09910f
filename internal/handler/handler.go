// Package handler implements the reference speedtest server: the download,
// upload and ping actions of the speedtest endpoint, the WebSocket ping
// endpoint and the archival of the requests served for each measurement ID.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/httpspeed/internal/latency"
	"github.com/m-lab/httpspeed/internal/measurer"
	"github.com/m-lab/httpspeed/internal/netx"
	"github.com/m-lab/httpspeed/internal/persistence"
	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
	"github.com/m-lab/httpspeed/pkg/version"
)

// Datatype is the name of the archival datatype.
const Datatype = "httpspeed"

// maxMetadataLength limits the length of metadata keys and values.
const maxMetadataLength = 200

// knownOptions are the querystring parameters that are not client metadata.
var knownOptions = map[string]struct{}{
	"action":       {},
	"size":         {},
	"mid":          {},
	"cc":           {},
	"_":            {},
	"access_token": {},
}

var errNoMID = errors.New("no valid token nor mid found in the request")

// session is the server-side state of a measurement ID.
type session struct {
	mu   sync.Mutex
	data model.ArchivalData
}

func (s *session) add(r model.TransferRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Transfers = append(s.data.Transfers, r)
}

func (s *session) archive() model.ArchivalData {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data
	d.Transfers = append([]model.TransferRecord(nil), s.data.Transfers...)
	return d
}

// Handler serves speedtest requests.
type Handler struct {
	archivalDataDir string
	// CC is the congestion control algorithm set on download connections
	// when the client does not request one.
	CC string

	payload []byte

	sessionsMu sync.Mutex
	sessions   *ttlcache.Cache[string, *session]
}

// New returns a new Handler. Sessions are archived to archivalDataDir when
// they expire, cacheTTL after their first request.
func New(archivalDataDir string, cacheTTL time.Duration) *Handler {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *session](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *session](),
	)
	cache.OnEviction(func(ctx context.Context,
		er ttlcache.EvictionReason,
		i *ttlcache.Item[string, *session]) {
		log.Debug("Session expired", "id", i.Key(), "reason", er)

		// Save data to disk when the session expires.
		archive := i.Value().archive()
		archive.EndTime = time.Now()
		_, err := persistence.WriteCompressedDataFile(archivalDataDir, Datatype, "session",
			archive.MeasurementID, archive)
		if err != nil {
			log.Error("failed to write session", "mid", archive.MeasurementID, "error", err)
			sessionsArchived.WithLabelValues("error").Inc()
			return
		}
		sessionsArchived.WithLabelValues("ok").Inc()
	})
	go cache.Start()

	return &Handler{
		archivalDataDir: archivalDataDir,
		payload:         bytes.Repeat([]byte("0"), spec.ServerBufferSize),
		sessions:        cache,
	}
}

// Close archives every active session and stops the session cache.
func (h *Handler) Close() {
	h.sessions.DeleteAll()
	h.sessions.Stop()
}

// SpeedTest dispatches a request to the speedtest endpoint according to its
// "action" querystring parameter.
func (h *Handler) SpeedTest(rw http.ResponseWriter, req *http.Request) {
	setAPIHeaders(rw)
	if req.Method == http.MethodOptions {
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	switch spec.Action(req.URL.Query().Get("action")) {
	case spec.ActionDownload:
		h.Download(rw, req)
	case spec.ActionUpload:
		h.Upload(rw, req)
	case spec.ActionPing:
		h.Ping(rw, req)
	default:
		requests.WithLabelValues("unknown", strconv.Itoa(http.StatusBadRequest)).Inc()
		writeBadRequest(rw)
	}
}

// Download sends size bytes, clamped to
// [spec.MinServedChunkSize, spec.MaxServedChunkSize].
func (h *Handler) Download(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		h.methodNotAllowed(rw, spec.ActionDownload)
		return
	}
	rec, ok := h.begin(rw, req, spec.ActionDownload)
	if !ok {
		return
	}
	size := ParseSize(req.URL.Query().Get("size"))
	rec.record.RequestedBytes = size

	cc := req.URL.Query().Get("cc")
	if cc == "" {
		cc = h.CC
	}
	if rec.conn != nil && cc != "" {
		// Errors are not fatal: the client might have requested an algorithm
		// that's not available on this system. The actual algorithm is
		// recorded in the archival data.
		if err := rec.conn.SetCC(cc); err != nil {
			log.Debug("failed to set cc", "cc", cc, "error", err)
		}
	}

	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.Header().Set("Content-Transfer-Encoding", "binary")
	rw.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	rw.WriteHeader(http.StatusOK)

	flusher, _ := rw.(http.Flusher)
	var sent int64
	for sent < size {
		if req.Context().Err() != nil {
			break
		}
		chunk := int64(len(h.payload))
		if remaining := size - sent; remaining < chunk {
			chunk = remaining
		}
		n, err := rw.Write(h.payload[:chunk])
		sent += int64(n)
		if err != nil {
			log.Debug("download interrupted", "sent", sent, "size", size, "error", err)
			break
		}
		if flusher != nil && sent%spec.ServerFlushInterval == 0 {
			flusher.Flush()
		}
	}
	rec.finish(h, http.StatusOK, sent)
}

// Upload drains the request body and replies with the number of bytes
// received.
func (h *Handler) Upload(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		h.methodNotAllowed(rw, spec.ActionUpload)
		return
	}
	rec, ok := h.begin(rw, req, spec.ActionUpload)
	if !ok {
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	if req.ContentLength == 0 {
		writeJSON(rw, http.StatusInternalServerError, model.UploadResponse{
			Error: "Upload failed: No content received",
		})
		rec.finish(h, http.StatusInternalServerError, 0)
		return
	}

	start := time.Now()
	buf := make([]byte, spec.ServerBufferSize)
	var received int64
	var readErr error
	for {
		n, err := req.Body.Read(buf)
		received += int64(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
	}
	duration := time.Since(start)
	if readErr != nil || received == 0 {
		msg := "No content received"
		if readErr != nil {
			msg = readErr.Error()
		}
		log.Debug("upload failed", "received", received, "error", msg)
		writeJSON(rw, http.StatusInternalServerError, model.UploadResponse{
			Size:  received,
			Error: "Upload failed: " + msg,
		})
		rec.finish(h, http.StatusInternalServerError, received)
		return
	}
	writeJSON(rw, http.StatusOK, model.UploadResponse{
		Success:  true,
		Size:     received,
		Duration: duration.Seconds(),
	})
	rec.finish(h, http.StatusOK, received)
}

// Ping replies with the server time.
func (h *Handler) Ping(rw http.ResponseWriter, req *http.Request) {
	rec, ok := h.begin(rw, req, spec.ActionPing)
	if !ok {
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	now := time.Now()
	writeJSON(rw, http.StatusOK, model.PingResponse{
		Timestamp: float64(now.UnixNano()) / 1e9,
	})
	rec.finish(h, http.StatusOK, 0)
}

// WSPing upgrades the connection to WebSocket and answers ping control
// frames until the client closes the connection or spec.MaxWSPingDuration
// elapses.
func (h *Handler) WSPing(rw http.ResponseWriter, req *http.Request) {
	rec, ok := h.begin(rw, req, "ws-ping")
	if !ok {
		return
	}
	conn, err := latency.Upgrade(rw, req)
	if err != nil {
		log.Info("Websocket upgrade failed", "source", req.RemoteAddr, "error", err)
		rec.finish(h, http.StatusBadRequest, 0)
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(req.Context(), spec.MaxWSPingDuration)
	defer cancel()
	if err := latency.Echo(ctx, conn); err != nil {
		log.Debug("websocket ping ended", "error", err)
	}
	rec.finish(h, http.StatusSwitchingProtocols, 0)
}

// methodNotAllowed writes a 405 response.
func (h *Handler) methodNotAllowed(rw http.ResponseWriter, action spec.Action) {
	requests.WithLabelValues(string(action), strconv.Itoa(http.StatusMethodNotAllowed)).Inc()
	rw.WriteHeader(http.StatusMethodNotAllowed)
}

// ParseSize returns the download size for the "size" querystring parameter.
// Missing or invalid values result in spec.DefaultServedChunkSize; valid
// values are clamped to [spec.MinServedChunkSize, spec.MaxServedChunkSize].
func ParseSize(s string) int64 {
	size, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return spec.DefaultServedChunkSize
	}
	if size < spec.MinServedChunkSize {
		return spec.MinServedChunkSize
	}
	if size > spec.MaxServedChunkSize {
		return spec.MaxServedChunkSize
	}
	return size
}

// inflight tracks a request being served.
type inflight struct {
	session  *session
	conn     netx.ConnInfo
	measurer *measurer.Measurer
	record   model.TransferRecord
}

// begin validates the request and starts tracking it. It returns false if a
// response has already been written.
func (h *Handler) begin(rw http.ResponseWriter, req *http.Request,
	action spec.Action) (*inflight, bool) {
	metadata, err := getRequestMetadata(req)
	if err != nil {
		log.Info("Error while parsing metadata", "source", req.RemoteAddr, "error", err)
		requests.WithLabelValues(string(action), strconv.Itoa(http.StatusBadRequest)).Inc()
		writeBadRequest(rw)
		return nil, false
	}
	rec := &inflight{
		record: model.TransferRecord{
			Action:    string(action),
			Client:    req.RemoteAddr,
			StartTime: time.Now(),
		},
	}
	if addr, ok := req.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		rec.record.Server = addr.String()
	}
	if conn, ok := netx.FromContext(req.Context()); ok {
		rec.conn = conn
		rec.record.AcceptTime = conn.AcceptTime()
		if id, err := conn.UUID(); err == nil {
			rec.record.UUID = id
		}
		if action == spec.ActionDownload || action == spec.ActionUpload {
			rec.measurer = measurer.Start(req.Context(), conn)
		}
	}
	if mid, err := GetMIDFromRequest(req); err == nil {
		rec.session = h.getOrCreateSession(mid, req, metadata)
	}
	return rec, true
}

// finish records the outcome of the request.
func (rec *inflight) finish(h *Handler, status int, n int64) {
	rec.record.EndTime = time.Now()
	rec.record.Status = status
	rec.record.Bytes = n
	if rec.measurer != nil {
		rec.record.Snapshots = rec.measurer.Stop()
	}
	if rec.conn != nil {
		if cc, err := rec.conn.CC(); err == nil {
			rec.record.CCAlgorithm = cc
		}
	}
	action := rec.record.Action
	requests.WithLabelValues(action, strconv.Itoa(status)).Inc()
	if n > 0 {
		transferBytes.WithLabelValues(action).Add(float64(n))
		transferDuration.WithLabelValues(action).Observe(
			rec.record.EndTime.Sub(rec.record.StartTime).Seconds())
	}
	if rec.session != nil {
		rec.session.add(rec.record)
	}
}

func (h *Handler) getOrCreateSession(mid string, req *http.Request,
	metadata []model.NameValue) *session {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	if item := h.sessions.Get(mid); item != nil {
		return item.Value()
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	s := &session{
		data: model.ArchivalData{
			GitShortCommit: prometheusx.GitShortCommit,
			Version:        version.Version,
			MeasurementID:  mid,
			Client:         host,
			StartTime:      time.Now(),
			ClientMetadata: metadata,
		},
	}
	h.sessions.Set(mid, s, ttlcache.DefaultTTL)
	log.Debug("session created", "id", mid)
	return s
}

// GetMIDFromRequest extracts the measurement id ("mid") from a given HTTP
// request, if present.
//
// A measurement ID can be specified in two ways: via a "mid" querystring
// parameter (when access tokens are not required) or via the ID field
// in the JWT access token.
func GetMIDFromRequest(req *http.Request) (string, error) {
	// If the request includes a valid JWT token, the claim and the ID are in
	// the request's context already.
	claims := controller.GetClaim(req.Context())
	if claims != nil {
		return claims.ID, nil
	}

	// Otherwise, try getting the "mid" querystring parameter.
	if mid := req.URL.Query().Get("mid"); mid != "" {
		return mid, nil
	}

	return "", errNoMID
}

// setAPIHeaders sets the CORS, caching and security headers of every API
// response.
func setAPIHeaders(rw http.ResponseWriter) {
	h := rw.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.Debug("cannot write response", "error", err)
	}
}

// writeBadRequest sends a Bad Request response to the client using writer.
func writeBadRequest(writer http.ResponseWriter) {
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

func getRequestMetadata(req *http.Request) ([]model.NameValue, error) {
	// "metadata" in this context refers to any querystring parameter that is
	// not recognized as option.
	query := req.URL.Query()
	filtered := []model.NameValue{}
	for k, v := range query {
		// This maximum length for keys and values is meant to limit abuse.
		if len(k) > maxMetadataLength || len(v[0]) > maxMetadataLength {
			return nil, errors.New("maximum key or value length exceeded")
		}
		// Filter known options.
		if _, ok := knownOptions[k]; !ok {
			filtered = append(filtered, model.NameValue{
				Name:  k,
				Value: v[0],
			})
		}
	}
	return filtered, nil
}
