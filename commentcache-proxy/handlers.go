package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jedisct1/dlog"

	"github.com/happyheadlines/commentcache/cacheaside"
	"github.com/happyheadlines/commentcache/threadcache"
)

const maxRequestBodySize = 64 << 10

type createCommentRequest struct {
	ArticleID int64  `json:"articleId"`
	AuthorID  int64  `json:"authorId"`
	Content   string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status         string  `json:"status"`
	Store          string  `json:"store"`
	StoreLatencyMs float64 `json:"storeLatencyMs"`
	Threads        int64   `json:"threads"`
	MaxThreads     int     `json:"maxThreads"`
	PendingTouches int     `json:"pendingTouches"`
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (recorder *statusRecorder) WriteHeader(status int) {
	recorder.status = status
	recorder.ResponseWriter.WriteHeader(status)
}

func (proxy *Proxy) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /api/articles/{id}/comments", proxy.route("thread", proxy.handleGetThread))
	mux.Handle("GET /api/comments/{id}", proxy.route("comment", proxy.handleGetComment))
	mux.Handle("POST /api/comments", proxy.route("create", proxy.handleCreateComment))
	mux.Handle("PUT /api/comments/{id}", proxy.route("update", proxy.handleUpdateComment))
	mux.Handle("DELETE /api/comments/{id}", proxy.route("delete", proxy.handleDeleteComment))
	mux.Handle("GET /healthz", proxy.route("health", proxy.handleHealth))
	mux.Handle("GET /metrics", proxy.metrics.Handler(proxy.monitoring))
	return mux
}

func (proxy *Proxy) route(name string, handle http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), proxy.timeout)
		defer cancel()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		recorder.Header().Set("Server", "commentcache-proxy")
		handle(recorder, r.WithContext(ctx))
		proxy.metrics.Response(name, recorder.status)
		proxy.accessLog.Log(r, name, recorder.status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeValue(w http.ResponseWriter, status int, value interface{}) {
	body, err := json.Marshal(value)
	if err != nil {
		dlog.Errorf("Unable to encode a response: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	body, _ := json.Marshal(errorResponse{Error: message})
	writeJSON(w, status, body)
}

// writeUpstreamError maps errors coming from the comment service or its dependencies.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cacheaside.ErrDependencyUnavailable):
		dlog.Warnf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusServiceUnavailable, "content filter unavailable, try again later")
	case errors.Is(err, context.DeadlineExceeded):
		dlog.Warnf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusGatewayTimeout, "comment service timed out")
	default:
		dlog.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusBadGateway, "comment service unavailable")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, value interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (proxy *Proxy) handleGetThread(w http.ResponseWriter, r *http.Request) {
	articleID, ok := pathID(w, r)
	if !ok {
		return
	}
	records, err := proxy.service.GetThread(r.Context(), articleID)
	if err != nil {
		writeUpstreamError(w, r, err)
		return
	}
	body, err := threadcache.EncodeThread(records)
	if err != nil {
		writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (proxy *Proxy) handleGetComment(w http.ResponseWriter, r *http.Request) {
	commentID, ok := pathID(w, r)
	if !ok {
		return
	}
	record, found, err := proxy.service.GetComment(r.Context(), commentID)
	if err != nil {
		writeUpstreamError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "comment not found")
		return
	}
	writeValue(w, http.StatusOK, record)
}

func (proxy *Proxy) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var request createCommentRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if request.ArticleID <= 0 || len(strings.TrimSpace(request.Content)) == 0 {
		writeError(w, http.StatusBadRequest, "articleId and content are required")
		return
	}
	created, err := proxy.service.CreateComment(r.Context(), threadcache.CommentRecord{
		ArticleID: request.ArticleID,
		AuthorID:  request.AuthorID,
		Content:   request.Content,
	})
	if err != nil {
		writeUpstreamError(w, r, err)
		return
	}
	writeValue(w, http.StatusCreated, created)
}

func (proxy *Proxy) handleUpdateComment(w http.ResponseWriter, r *http.Request) {
	commentID, ok := pathID(w, r)
	if !ok {
		return
	}
	var patch cacheaside.CommentPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	updated, found, err := proxy.service.UpdateComment(r.Context(), commentID, patch)
	if err != nil {
		writeUpstreamError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "comment not found")
		return
	}
	writeValue(w, http.StatusOK, updated)
}

func (proxy *Proxy) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	commentID, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := proxy.service.DeleteComment(r.Context(), commentID)
	if err != nil {
		writeUpstreamError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "comment not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports a reachable store as "ok" and an unreachable one as
// "degraded": requests are still answered by the comment service.
func (proxy *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{Status: "ok", Store: "ok"}
	if err := proxy.store.Ping(r.Context()); err != nil {
		response.Status, response.Store = "degraded", err.Error()
	}
	if stats, err := proxy.engine.Stats(r.Context()); err == nil {
		response.Threads = stats.Threads
		response.MaxThreads = stats.MaxThreads
		response.PendingTouches = stats.Pending
	} else {
		response.MaxThreads = proxy.engine.Limits().MaxThreads
	}
	if proxy.latency != nil {
		response.StoreLatencyMs = float64(proxy.latency.Value().Microseconds()) / 1000
	}
	writeValue(w, http.StatusOK, response)
}
