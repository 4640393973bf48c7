// Package httpserver exposes the cells, storage, feed and mint endpoints.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/mosaic/errs"
	"github.com/coachpo/mosaic/internal/claim"
	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/domain/cellstore"
	"github.com/coachpo/mosaic/internal/infra/objectstore"
)

const (
	maxJSONBodyBytes int64 = 64 << 10

	cellsPath        = "/cells"
	cellsLatestPath  = "/cells/latest"
	cellsOwnedPath   = "/cells/owned"
	cellsFeedPath    = "/cells/feed"
	cellDetailPrefix = cellsPath + "/"
	storagePrefix    = "/storage/"
	objectsPrefix    = "/objects/"
	mintPath         = "/mint"
	healthPath       = "/healthz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Objects is the storage backend served under /storage and /objects.
type Objects interface {
	objectstore.Store
	Open(name string) (*os.File, time.Time, error)
}

// Options wires the handler's collaborators. Feed and Mint are optional.
type Options struct {
	Cells          cellstore.Store
	Objects        Objects
	Feed           http.Handler
	Mint           http.Handler
	Ping           func(context.Context) error
	AllowedOrigins []string
	MaxUploadBytes int64
	Logger         *log.Logger
}

type httpServer struct {
	cells     cellstore.Store
	objects   Objects
	ping      func(context.Context) error
	maxUpload int64
	logger    *log.Logger
}

// NewHandler creates the daemon's HTTP handler.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Cells == nil {
		return nil, errors.New("httpserver: cell store required")
	}
	if opts.Objects == nil {
		return nil, errors.New("httpserver: object store required")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = int64(claim.DefaultMaxFileBytes)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	server := &httpServer{
		cells:     opts.Cells,
		objects:   opts.Objects,
		ping:      opts.Ping,
		maxUpload: opts.MaxUploadBytes,
		logger:    opts.Logger,
	}
	mux := http.NewServeMux()

	mux.Handle(cellsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRange,
	}))
	mux.Handle(cellsLatestPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getLatest,
	}))
	mux.Handle(cellsOwnedPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getOwned,
	}))
	mux.Handle(cellDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getCell,
		http.MethodPut: server.commitCell,
	}))
	if opts.Feed != nil {
		mux.Handle(cellsFeedPath, opts.Feed)
	}

	mux.Handle(storagePrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut:    server.putObject,
		http.MethodDelete: server.deleteObject,
	}))
	mux.Handle(objectsPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.serveObject,
		http.MethodHead: server.serveObject,
	}))

	if opts.Mint != nil {
		mux.Handle(mintPath, opts.Mint)
	}
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux, opts.AllowedOrigins), nil
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getRange(w http.ResponseWriter, r *http.Request) {
	rect, err := parseRect(r)
	if err != nil {
		s.writeErr(w, errs.New("cells.range", errs.CodeInvalid, errs.WithMessage(err.Error())))
		return
	}
	cells, err := s.cells.Range(r.Context(), rect)
	if err != nil {
		s.writeErr(w, storeError("cells.range", err))
		return
	}
	if cells == nil {
		cells = []cell.Cell{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cells": cells})
}

func (s *httpServer) getOwned(w http.ResponseWriter, r *http.Request) {
	rect, err := parseRect(r)
	if err != nil {
		s.writeErr(w, errs.New("cells.owned", errs.CodeInvalid, errs.WithMessage(err.Error())))
		return
	}
	owned, err := s.cells.OwnedIn(r.Context(), rect)
	if err != nil {
		s.writeErr(w, storeError("cells.owned", err))
		return
	}
	if owned == nil {
		owned = []cell.Coord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cells": owned})
}

func (s *httpServer) getLatest(w http.ResponseWriter, r *http.Request) {
	latest, found, err := s.cells.Latest(r.Context())
	if err != nil {
		s.writeErr(w, storeError("cells.latest", err))
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *httpServer) getCell(w http.ResponseWriter, r *http.Request) {
	coord, err := parseCellPath(r.URL.Path)
	if err != nil {
		s.writeErr(w, errs.New("cells.get", errs.CodeInvalid, errs.WithMessage(err.Error())))
		return
	}
	got, err := s.cells.Get(r.Context(), coord)
	if err != nil {
		s.writeErr(w, storeError("cells.get", err))
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *httpServer) commitCell(w http.ResponseWriter, r *http.Request) {
	coord, err := parseCellPath(r.URL.Path)
	if err != nil {
		s.writeErr(w, errs.New("cells.commit", errs.CodeInvalid, errs.WithMessage(err.Error())))
		return
	}
	limitRequestBody(w, r)
	var payload cell.Cell
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.X != coord.X || payload.Y != coord.Y {
		s.writeErr(w, errs.New("cells.commit", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("body coordinates (%d,%d) do not match path %s", payload.X, payload.Y, coord))))
		return
	}
	if !payload.Owned() {
		s.writeErr(w, errs.New("cells.commit", errs.CodeInvalid, errs.WithMessage("owner required")))
		return
	}
	if err := payload.Validate(); err != nil {
		s.writeErr(w, errs.New("cells.commit", errs.CodeInvalid, errs.WithMessage(err.Error())))
		return
	}
	committed, err := s.cells.Commit(r.Context(), payload)
	if err != nil {
		s.writeErr(w, storeError("cells.commit", err))
		return
	}
	writeJSON(w, http.StatusOK, committed)
}

func (s *httpServer) putObject(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, storagePrefix)
	if err := objectstore.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	kind, ok := claim.Sniff(body)
	if !ok {
		writeError(w, http.StatusUnsupportedMediaType, "object is not a supported image")
		return
	}
	upsert, _ := strconv.ParseBool(r.URL.Query().Get("upsert"))
	err = s.objects.Upload(r.Context(), name, body, objectstore.UploadOptions{ContentType: kind.ContentType, Upsert: upsert})
	switch {
	case errors.Is(err, objectstore.ErrExists):
		writeError(w, http.StatusConflict, "object already exists")
		return
	case err != nil:
		s.logger.Printf("upload %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name, "url": s.objects.PublicURL(name)})
}

func (s *httpServer) deleteObject(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, storagePrefix)
	if err := objectstore.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.objects.Remove(r.Context(), name); err != nil {
		s.logger.Printf("remove %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "remove failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) serveObject(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, objectsPrefix)
	if err := objectstore.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	obj, modTime, err := s.objects.Open(name)
	if errors.Is(err, objectstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	if err != nil {
		s.logger.Printf("open %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "open failed")
		return
	}
	defer func() {
		_ = obj.Close()
	}()
	if ctype := mime.TypeByExtension(filepath.Ext(name)); ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, name, modTime, obj)
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseRect(r *http.Request) (cell.Rect, error) {
	q := r.URL.Query()
	values := make([]int, 0, 4)
	for _, key := range []string{"x0", "y0", "x1", "y1"} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			return cell.Rect{}, fmt.Errorf("query parameter %s required", key)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return cell.Rect{}, fmt.Errorf("query parameter %s: %w", key, err)
		}
		values = append(values, v)
	}
	return cell.NewRect(values[0], values[1], values[2], values[3]), nil
}

func parseCellPath(path string) (cell.Coord, error) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, cellDetailPrefix), "/"), "/")
	if len(parts) != 2 {
		return cell.Coord{}, fmt.Errorf("expected /cells/{x}/{y}")
	}
	x, err := strconv.Atoi(parts[0])
	if err != nil {
		return cell.Coord{}, fmt.Errorf("x: %w", err)
	}
	y, err := strconv.Atoi(parts[1])
	if err != nil {
		return cell.Coord{}, fmt.Errorf("y: %w", err)
	}
	c := cell.Coord{X: x, Y: y}
	if !c.Valid() {
		return cell.Coord{}, fmt.Errorf("cell %s out of bounds", c)
	}
	return c, nil
}

func storeError(op string, err error) *errs.E {
	switch {
	case errors.Is(err, cellstore.ErrConflict):
		return errs.New(op, errs.CodePixelTaken, errs.WithMessage("cell owned by another wallet"), errs.WithCause(err))
	case errors.Is(err, cellstore.ErrNotFound):
		return errs.New(op, errs.CodeNotFound, errs.WithMessage("cell not found"), errs.WithCause(err))
	}
	return errs.Normalize(op, err)
}

func statusFor(e *errs.E) int {
	if e.HTTP > 0 {
		return e.HTTP
	}
	switch e.Code {
	case errs.CodePixelTaken, errs.CodeCommitConflict:
		return http.StatusConflict
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *httpServer) writeErr(w http.ResponseWriter, e *errs.E) {
	status := statusFor(e)
	message := e.Message
	if status >= http.StatusInternalServerError {
		s.logger.Printf("%v", e)
	}
	if message == "" {
		message = string(e.Code)
	}
	writeJSON(w, status, map[string]string{"status": "error", "code": string(e.Code), "error": message})
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// withCORS allows every origin when origins is empty.
func withCORS(handler http.Handler, origins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(origins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(origins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
