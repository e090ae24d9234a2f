package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"crosspost/api/internal/platforms"
	"crosspost/api/internal/posts"
	"crosspost/api/internal/search"
	"crosspost/api/internal/store"
)

type HTTPServer struct {
	posts      *posts.Service
	search     *search.Service
	store      store.Store
	log        *logrus.Entry
	corsOrigin string
	metrics    http.Handler
}

func NewHTTPServer(postsSvc *posts.Service, searchSvc *search.Service, st store.Store, log *logrus.Entry, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		posts:      postsSvc,
		search:     searchSvc,
		store:      st,
		log:        log,
		corsOrigin: corsOrigin,
		metrics:    promhttp.Handler(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.store.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/fetch" {
		s.handleFetch(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/posts" {
		authorID := strings.TrimSpace(r.URL.Query().Get("authorId"))
		limit := queryInt(r, "limit", 50)
		items, err := s.store.ListAppPosts(r.Context(), authorID, limit)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"posts": postViews(items)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if s.search == nil {
			s.writeMapped(w, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil))
			return
		}
		payload := s.search.Search(search.Query{
			Text:         strings.TrimSpace(r.URL.Query().Get("q")),
			FilterAuthor: strings.TrimSpace(r.URL.Query().Get("authorId")),
			FilterOrigin: strings.TrimSpace(r.URL.Query().Get("origin")),
			Limit:        queryInt(r, "limit", 20),
			Offset:       queryInt(r, "offset", 0),
		})
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/events" {
		s.handleEvents(w, r, "")
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "posts" {
		s.handlePost(w, r, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleFetch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Platform   string   `json:"platform"`
		AccountID  string   `json:"accountId"`
		AccountIDs []string `json:"accountIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Platform) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "platform is required", nil)
		return
	}
	platform := store.PlatformID(body.Platform)

	if len(body.AccountIDs) > 0 {
		results, err := s.posts.FetchUser(r.Context(), platform, body.AccountIDs)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accounts": results})
		return
	}

	if strings.TrimSpace(body.AccountID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "accountId or accountIds is required", nil)
		return
	}
	result, err := s.posts.FetchAccount(r.Context(), platform, body.AccountID)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request, id string, parts []string) {
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			post, err := s.store.GetAppPost(r.Context(), id)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"post": postView(post)})
		case http.MethodDelete:
			if err := s.posts.DeletePostFull(r.Context(), id); err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet {
		s.handleEvents(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 {
		switch parts[3] {
		case "approve":
			post, err := s.posts.Approve(r.Context(), id)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"post": postView(post)})
			return
		case "publish":
			var body struct {
				Platform string `json:"platform"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if strings.TrimSpace(body.Platform) == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "platform is required", nil)
				return
			}
			post, err := s.posts.Publish(r.Context(), id, store.PlatformID(body.Platform))
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"post": postView(post)})
			return
		case "refresh-metrics":
			post, err := s.posts.UpdatePostMetrics(r.Context(), id)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"post": postView(post)})
			return
		case "parse":
			if err := s.posts.RequestParse(r.Context(), id); err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if len(parts) == 5 && parts[3] == "parse" {
		switch parts[4] {
		case "complete":
			if err := s.posts.CompleteParse(r.Context(), id); err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case "fail":
			if err := s.posts.FailParse(r.Context(), id); err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, appPostID string) {
	afterID := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "after must be an integer", nil)
			return
		}
		afterID = parsed
	}
	items, err := s.store.ListStatusEvents(r.Context(), appPostID, afterID, queryInt(r, "limit", 100))
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, event := range items {
		views = append(views, map[string]any{
			"id":        event.ID,
			"appPostId": event.AppPostID,
			"type":      event.EventType,
			"payload":   event.Payload,
			"createdAt": event.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func postView(post store.AppPost) map[string]any {
	mirrors := make([]map[string]any, 0, len(post.Mirrors))
	for _, mirror := range post.Mirrors {
		mirrors = append(mirrors, map[string]any{
			"platform":       mirror.PlatformID,
			"platformPostId": mirror.PlatformPostID,
		})
	}
	return map[string]any{
		"id":                post.ID,
		"authorId":          post.AuthorID,
		"origin":            post.Origin,
		"createdAtMs":       post.CreatedAtMs,
		"thread":            post.Generic,
		"mirrors":           mirrors,
		"parsingStatus":     post.ParsingStatus,
		"parsedStatus":      post.ParsedStatus,
		"reviewedStatus":    post.ReviewedStatus,
		"republishedStatus": post.RepublishedStatus,
		"createdAt":         post.CreatedAt,
		"updatedAt":         post.UpdatedAt,
	}
}

func postViews(items []store.AppPost) []map[string]any {
	views := make([]map[string]any, 0, len(items))
	for _, post := range items {
		views = append(views, postView(post))
	}
	return views
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, posts.ErrNotApproved):
		return http.StatusConflict, "NOT_APPROVED", "Post is not approved for publishing", nil
	case errors.Is(err, posts.ErrAlreadyApproved):
		return http.StatusConflict, "ALREADY_APPROVED", "Post is already approved", nil
	case errors.Is(err, posts.ErrParseBusy):
		return http.StatusConflict, "PARSE_IN_PROGRESS", "A parse is already in progress", nil
	case errors.Is(err, platforms.ErrUnknownPlatform):
		return http.StatusUnprocessableEntity, "UNKNOWN_PLATFORM", "Unknown platform", nil
	case errors.Is(err, platforms.ErrUnsupported):
		return http.StatusUnprocessableEntity, "UNSUPPORTED", "Operation not supported on this platform", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
