package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/trackerbot/telemetry"
	"github.com/onnwee/trackerbot/tracker"
)

const maxBodyBytes = 64 << 10

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	hub  *tracker.Hub
	ping func(ctx context.Context) error
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(hub *tracker.Hub, ping func(ctx context.Context) error) *Handlers {
	return &Handlers{hub: hub, ping: ping}
}

type response struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type kindInfo struct {
	Kind     tracker.Kind `json:"kind"`
	Title    string       `json:"title"`
	Period   string       `json:"period"`
	Binding  bool         `json:"binding"`
	FoldCase bool         `json:"fold_case"`
	Subjects int          `json:"subjects"`
}

type notificationBody struct {
	Notification string `json:"notification"`
}

// HandleKinds lists the installed tracker kinds.
func (h *Handlers) HandleKinds(w http.ResponseWriter, r *http.Request) {
	handles := h.hub.Handles()
	kinds := make([]kindInfo, 0, len(handles))
	for _, handle := range handles {
		d := handle.Descriptor()
		kinds = append(kinds, kindInfo{
			Kind:     d.Kind,
			Title:    d.Title,
			Period:   d.Period.String(),
			Binding:  d.Binding,
			FoldCase: d.FoldCase,
			Subjects: handle.Count(),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		response
		Kinds []kindInfo `json:"kinds"`
	}{response{OK: true}, kinds})
}

// HandleSubjects lists every subject of one kind with its channels.
func (h *Handlers) HandleSubjects(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.handle(w, r)
	if !ok {
		return
	}
	subjects := handle.Subjects()
	if subjects == nil {
		subjects = []tracker.SubjectInfo{}
	}
	writeJSON(w, http.StatusOK, struct {
		response
		Subjects []tracker.SubjectInfo `json:"subjects"`
	}{response{OK: true}, subjects})
}

// HandleSubscribe adds a channel to a subject, creating the subject when needed.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.handle(w, r)
	if !ok {
		return
	}
	name, channel, ok := subjectParams(w, r)
	if !ok {
		return
	}
	var body notificationBody
	if !decodeBody(w, r, &body, true) {
		return
	}
	err := handle.Subscribe(r.Context(), name, channel, body.Notification)
	h.respond(w, r, "subscribe", err)
}

// HandleUnsubscribe removes a channel from a subject.
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.handle(w, r)
	if !ok {
		return
	}
	name, channel, ok := subjectParams(w, r)
	if !ok {
		return
	}
	removed, err := handle.Unsubscribe(r.Context(), name, channel)
	if err == nil && !removed {
		err = fmt.Errorf("%s %q in channel %s: %w", handle.Descriptor().Title, name, channel, tracker.ErrNotFound)
	}
	h.respond(w, r, "unsubscribe", err)
}

// HandleSetNotification replaces the notification text of a subscription.
func (h *Handlers) HandleSetNotification(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.handle(w, r)
	if !ok {
		return
	}
	name, channel, ok := subjectParams(w, r)
	if !ok {
		return
	}
	var body notificationBody
	if !decodeBody(w, r, &body, false) {
		return
	}
	err := handle.SetNotification(r.Context(), name, channel, body.Notification)
	h.respond(w, r, "set notification", err)
}

// HandleChannelSubscriptions lists the subscriptions of a channel across kinds.
func (h *Handlers) HandleChannelSubscriptions(w http.ResponseWriter, r *http.Request) {
	channel, ok := pathParam(w, r, "channel")
	if !ok {
		return
	}
	subs := h.hub.Subscriptions(channel)
	if subs == nil {
		subs = []tracker.Subscription{}
	}
	writeJSON(w, http.StatusOK, struct {
		response
		Subscriptions []tracker.Subscription `json:"subscriptions"`
	}{response{OK: true}, subs})
}

// HandleChannelSummary renders the subscriptions of a channel as text pages.
func (h *Handlers) HandleChannelSummary(w http.ResponseWriter, r *http.Request) {
	channel, ok := pathParam(w, r, "channel")
	if !ok {
		return
	}
	pages := h.hub.Summary(channel, parseIntQuery(r, "limit", tracker.DefaultSummaryLimit))
	if pages == nil {
		pages = []string{}
	}
	writeJSON(w, http.StatusOK, struct {
		response
		Pages []string `json:"pages"`
	}{response{OK: true}, pages})
}

// HandleMerge folds case duplicates in every kind.
func (h *Handlers) HandleMerge(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "merge", h.hub.MergeAll(r.Context()))
}

func (h *Handlers) handle(w http.ResponseWriter, r *http.Request) (tracker.Handle, bool) {
	kind, ok := pathParam(w, r, "kind")
	if !ok {
		return nil, false
	}
	handle, err := h.hub.Handle(tracker.Kind(kind))
	if err != nil {
		writeJSON(w, http.StatusNotFound, response{Reason: err.Error()})
		return nil, false
	}
	return handle, true
}

// respond maps a tracker error onto the JSON envelope. A persistence failure
// still answers ok since the in-memory change stands.
func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, op string, err error) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"), slog.String("op", op))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, response{OK: true})
	case errors.Is(err, tracker.ErrPersistence):
		log.Warn("change kept in memory only", slog.Any("err", err))
		writeJSON(w, http.StatusOK, response{OK: true, Reason: err.Error()})
	case errors.Is(err, tracker.ErrUnknownKind), errors.Is(err, tracker.ErrNotFound):
		writeJSON(w, http.StatusNotFound, response{Reason: err.Error()})
	case errors.Is(err, tracker.ErrInvalidName):
		writeJSON(w, http.StatusBadRequest, response{Reason: err.Error()})
	case errors.Is(err, tracker.ErrTransientSource):
		writeJSON(w, http.StatusBadGateway, response{Reason: err.Error()})
	default:
		log.Error("request failed", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, response{Reason: err.Error()})
	}
}

func subjectParams(w http.ResponseWriter, r *http.Request) (name, channel string, ok bool) {
	if name, ok = pathParam(w, r, "name"); !ok {
		return "", "", false
	}
	if channel, ok = pathParam(w, r, "channel"); !ok {
		return "", "", false
	}
	return name, channel, true
}

// pathParam returns the unescaped route parameter. Subject names may be URLs,
// so clients escape them into a single path segment.
func pathParam(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	v, err := url.PathUnescape(chi.URLParam(r, key))
	if err != nil || v == "" {
		writeJSON(w, http.StatusBadRequest, response{Reason: "invalid " + key})
		return "", false
	}
	return v, true
}

// decodeBody reads a JSON body into v. An empty body is accepted when optional.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, response{Reason: "invalid JSON body: " + err.Error()})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err), slog.String("component", "http"))
	}
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
