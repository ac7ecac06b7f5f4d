// Package server exposes the sync engine over a small localhost HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"portable-sync/internal/auth"
	"portable-sync/internal/config"
	"portable-sync/internal/driver"
	"portable-sync/internal/itemtree"
	"portable-sync/internal/models"
	"portable-sync/internal/notify"
	"portable-sync/internal/queue"
	"portable-sync/internal/registry"
	"portable-sync/internal/session"
	"portable-sync/internal/transfer"
)

// TokenHeader carries the API token.
const TokenHeader = "X-Sync-Token"

// Devices is the device side of the engine.
type Devices interface {
	Sessions() []*session.Session
	Get(id string) (*session.Session, error)
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	Transfer(ctx context.Context, id string) (<-chan transfer.Summary, error)
	Cancel(id string) error
	Delete(ctx context.Context, id string, nodes []uint64, flags driver.DeleteFlags) (session.DeleteResult, error)
	AddManual(ctx context.Context, m config.ManualDevice) (*session.Session, error)
}

// Collection is the music library side of the engine.
type Collection interface {
	Import(dir string) (int, error)
	Query(q string) ([]models.Track, error)
	Playlists() ([]string, error)
}

// TokenValidator decides whether a token grants a scope.
type TokenValidator interface {
	Allows(token string, need auth.Scope) bool
}

// Options configures the handler.
type Options struct {
	Devices   Devices
	Queue     *queue.Queue
	// Collection, when set, backs the /collection routes.
	Collection Collection
	Validator  TokenValidator
	// History, when set, backs GET /notifications.
	History func() []notify.Message
	Logger  *log.Logger
	// BaseContext bounds work that outlives a request, such as transfer
	// batches. context.Background when nil.
	BaseContext context.Context
}

type serverHandler struct {
	devices   Devices
	queue     *queue.Queue
	library   Collection
	validator TokenValidator
	history   func() []notify.Message
	logger    *log.Logger
	base      context.Context
}

// New creates the HTTP handler.
func New(opts Options) http.Handler {
	h := &serverHandler{
		devices:   opts.Devices,
		queue:     opts.Queue,
		library:   opts.Collection,
		validator: opts.Validator,
		history:   opts.History,
		logger:    opts.Logger,
		base:      opts.BaseContext,
	}
	if h.logger == nil {
		h.logger = log.Default()
	}
	if h.base == nil {
		h.base = context.Background()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.requireScope(auth.ScopeRead))
		control := r.With(h.requireScope(auth.ScopeControl))

		r.Handle("/metrics", promhttp.Handler())
		r.Get("/notifications", h.handleNotifications)

		r.Get("/devices", h.handleDevices)
		control.Post("/manual", h.handleManual)
		r.Route("/devices/{id}", func(r chi.Router) {
			control := r.With(h.requireScope(auth.ScopeControl))
			r.Get("/", h.handleDevice)
			r.Get("/tree", h.handleTree)
			control.Post("/connect", h.handleConnect)
			control.Post("/disconnect", h.handleDisconnect)
			control.Post("/transfer", h.handleTransfer)
			control.Post("/cancel", h.handleCancel)
			r.With(h.requireScope(auth.ScopeAdmin)).Post("/delete", h.handleDelete)
		})

		r.Get("/queue", h.handleQueue)
		control.Post("/queue/tracks", h.handleEnqueueTracks)
		control.Post("/queue/directories", h.handleEnqueueDirectory)
		control.Post("/queue/playlists", h.handleEnqueuePlaylist)
		control.Delete("/queue/{entry}", h.handleDequeue)

		if h.library != nil {
			r.Get("/collection/tracks", h.handleCollectionTracks)
			r.Get("/collection/playlists", h.handleCollectionPlaylists)
			control.Post("/collection/import", h.handleCollectionImport)
		}
	})
	return r
}

func (h *serverHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *serverHandler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	var out []notify.Message
	if h.history != nil {
		out = h.history()
	}
	if out == nil {
		out = []notify.Message{}
	}
	h.writeJSON(w, http.StatusOK, out)
}

type deviceView struct {
	session.Status
	MountPoint string           `json:"mount_point,omitempty"`
	Capacity   *driver.Capacity `json:"capacity,omitempty"`
}

func (h *serverHandler) view(s *session.Session) deviceView {
	v := deviceView{Status: s.Status(), MountPoint: s.Info().MountPoint}
	if s.Connected() {
		if c, err := s.Driver().Capacity(); err == nil {
			v.Capacity = &c
		} else {
			h.logger.Debugf("capacity of %s: %v", s.ID(), err)
		}
	}
	return v
}

func (h *serverHandler) handleDevices(w http.ResponseWriter, r *http.Request) {
	sessions := h.devices.Sessions()
	out := make([]deviceView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, h.view(s))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *serverHandler) handleDevice(w http.ResponseWriter, r *http.Request) {
	s, err := h.devices.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.view(s))
}

func (h *serverHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.devices.Connect(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondDevice(w, id, http.StatusOK)
}

// handleDisconnect closes a device. ?stop=true stops a running transfer
// instead of letting it finish first.
func (h *serverHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := notify.WithAnswer(r.Context(), answer(r.URL.Query().Get("stop") == "true"))
	if err := h.devices.Disconnect(ctx, id); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondDevice(w, id, http.StatusOK)
}

func (h *serverHandler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	done, err := h.devices.Transfer(h.base, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	go func() {
		sum := <-done
		h.logger.Infof("transfer to %s finished: %d copied, %d failed", id, sum.Copied, sum.Failed+sum.TranscodeFailed)
	}()
	h.respondDevice(w, id, http.StatusAccepted)
}

func (h *serverHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.devices.Cancel(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondDevice(w, id, http.StatusAccepted)
}

type deleteRequest struct {
	Nodes       []uint64 `json:"nodes"`
	DeleteFiles bool     `json:"deleteFiles"`
	Confirm     bool     `json:"confirm"`
}

type deleteResponse struct {
	Deleted int      `json:"deleted"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// handleDelete removes nodes from a device. Playlists and playlist entries
// are always removable; files go only with deleteFiles and confirm both set.
func (h *serverHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Nodes) == 0 {
		h.writeMessage(w, http.StatusBadRequest, "no nodes selected")
		return
	}
	flags := driver.DeletePlaylist | driver.RemoveFromPlaylist
	if req.DeleteFiles {
		flags |= driver.DeleteTrack
	}
	ctx := notify.WithAnswer(r.Context(), answer(req.Confirm))

	res, err := h.devices.Delete(ctx, chi.URLParam(r, "id"), req.Nodes, flags)
	var delErr *session.DeletionError
	if err != nil && !errors.As(err, &delErr) {
		h.writeError(w, err)
		return
	}
	out := deleteResponse{Deleted: res.Deleted, Failed: res.Failed}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, e.Error())
	}
	status := http.StatusOK
	if res.Failed > 0 {
		status = http.StatusMultiStatus
	}
	h.writeJSON(w, status, out)
}

func (h *serverHandler) handleTree(w http.ResponseWriter, r *http.Request) {
	s, err := h.devices.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	tree := s.Tree()
	if tree == nil {
		h.writeMessage(w, http.StatusConflict, "device is not connected")
		return
	}
	tree.ApplyFilter(r.URL.Query().Get("filter"), tree.Top())
	h.writeJSON(w, http.StatusOK, tree.Project(tree.Top()))
}

type queueView struct {
	Entries    []queue.Entry  `json:"entries"`
	TotalBytes int64          `json:"total_bytes"`
	DisplayMiB int64          `json:"display_mib"`
	Tree       *itemtree.View `json:"tree,omitempty"`
}

func (h *serverHandler) handleQueue(w http.ResponseWriter, r *http.Request) {
	v := queueView{
		Entries:    h.queue.Entries(),
		TotalBytes: h.queue.TotalSize(),
		DisplayMiB: h.queue.DisplaySize(),
	}
	if r.URL.Query().Get("view") == "tree" {
		t := h.queue.Tree()
		tv := t.Project(t.Top())
		v.Tree = &tv
	}
	h.writeJSON(w, http.StatusOK, v)
}

type enqueueTracksRequest struct {
	Locators []string `json:"locators"`
	Group    string   `json:"group"`
}

type enqueueResponse struct {
	Added   []queue.Entry `json:"added"`
	Skipped []string      `json:"skipped,omitempty"`
}

func (h *serverHandler) handleEnqueueTracks(w http.ResponseWriter, r *http.Request) {
	var req enqueueTracksRequest
	if !h.decode(w, r, &req) {
		return
	}
	out := enqueueResponse{Added: []queue.Entry{}}
	for _, loc := range req.Locators {
		e, err := h.queue.EnqueueTrack(loc, nil, req.Group)
		if err != nil {
			out.Skipped = append(out.Skipped, loc+": "+err.Error())
			continue
		}
		out.Added = append(out.Added, e)
	}
	h.writeJSON(w, http.StatusCreated, out)
}

func (h *serverHandler) handleEnqueueDirectory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.queue.EnqueueDirectory(req.Path)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]int{"added": n})
}

func (h *serverHandler) handleEnqueuePlaylist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Locator string `json:"locator"`
		Smart   bool   `json:"smart"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	e, err := h.queue.EnqueuePlaylist(req.Name, req.Locator, req.Smart)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, e)
}

func (h *serverHandler) handleDequeue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Remove(chi.URLParam(r, "entry")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCollectionTracks lists library tracks, filtered by ?q= when given.
func (h *serverHandler) handleCollectionTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := h.library.Query(r.URL.Query().Get("q"))
	if err != nil {
		h.writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if tracks == nil {
		tracks = []models.Track{}
	}
	h.writeJSON(w, http.StatusOK, tracks)
}

func (h *serverHandler) handleCollectionPlaylists(w http.ResponseWriter, r *http.Request) {
	names, err := h.library.Playlists()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	h.writeJSON(w, http.StatusOK, names)
}

func (h *serverHandler) handleCollectionImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.library.Import(req.Path)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (h *serverHandler) handleManual(w http.ResponseWriter, r *http.Request) {
	var req config.ManualDevice
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.devices.AddManual(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.view(s))
}

func (h *serverHandler) respondDevice(w http.ResponseWriter, id string, status int) {
	s, err := h.devices.Get(id)
	if err != nil {
		// The device may vanish between the command and the response.
		w.WriteHeader(status)
		return
	}
	h.writeJSON(w, status, h.view(s))
}

// requireScope rejects requests whose token does not grant need. Without a
// validator every request is let through.
func (h *serverHandler) requireScope(need auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.validator == nil {
				next.ServeHTTP(w, r)
				return
			}
			token := extractToken(r)
			switch {
			case token == "" || !h.validator.Allows(token, auth.ScopeRead):
				h.writeMessage(w, http.StatusUnauthorized, "missing or invalid token")
			case !h.validator.Allows(token, need):
				h.writeMessage(w, http.StatusForbidden, "token lacks "+need.String()+" scope")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (h *serverHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *serverHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.logger.Errorf("request failed: %v", err)
	}
	h.writeMessage(w, status, err.Error())
}

func (h *serverHandler) writeMessage(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *serverHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warnf("encode response: %v", err)
	}
}

func statusFor(err error) int {
	var connErr *session.ConnectionError
	switch {
	case errors.Is(err, registry.ErrUnknownDevice),
		errors.Is(err, registry.ErrNoSuchNode),
		errors.Is(err, queue.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrDeviceBusy),
		errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrDeleteCanceled),
		errors.Is(err, queue.ErrDuplicate),
		errors.Is(err, queue.ErrEntryTransferring):
		return http.StatusConflict
	case errors.Is(err, driver.ErrUnknownTag):
		return http.StatusBadRequest
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func answer(yes bool) notify.Answer {
	if yes {
		return notify.AnswerYes
	}
	return notify.AnswerNo
}

type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (h *serverHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		h.logger.Debugf("%s %s -> %d (%dB) in %s", r.Method, r.URL.Path, sw.status, sw.size, time.Since(start))
	})
}

func extractToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get(TokenHeader)); header != "" {
		return header
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
