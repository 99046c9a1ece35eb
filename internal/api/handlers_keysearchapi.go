package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinywideclouds/go-keysearch/internal/keyblock"
	"github.com/tinywideclouds/go-keysearch/internal/pattern"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// DefaultMaxUploadBytes caps the body of a keyblock upload.
const DefaultMaxUploadBytes = 8 << 20

// SearchStatusHeader carries the terminal search status. For streamed
// responses it is sent as a trailer.
const SearchStatusHeader = "X-Search-Status"

// Searcher runs one key search and streams records to out.
type Searcher interface {
	Search(ctx context.Context, patterns []string, out io.Writer) (*keysearch.Report, error)
}

// API holds the dependencies of the HTTP handlers.
type API struct {
	Searcher       Searcher
	Store          keysearch.MirrorStore
	Logger         *slog.Logger
	MaxUploadBytes int64
	Now            func() time.Time
}

type contextKey string

// UserContextKey is the key used to store the authenticated user's ID from the JWT.
const UserContextKey contextKey = "userID"

// GetUserIDFromContext safely retrieves the user ID from the request context.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserContextKey).(string)
	return userID, ok && userID != ""
}

// ContextWithUserID injects a user ID into a context, as the auth
// middleware does after a successful token validation.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserContextKey, userID)
}

// StoredKeyblocks is the response body of a successful upload.
type StoredKeyblocks struct {
	Fingerprints []string `json:"fingerprints"`
	Skipped      int      `json:"skipped"`
}

// SearchHandler streams the record format for every q parameter. The HTTP
// status is derived from the search status only while nothing has been
// written yet.
func (a *API) SearchHandler(w http.ResponseWriter, r *http.Request) {
	patterns := r.URL.Query()["q"]
	sw := &streamWriter{w: w}

	report, err := a.Searcher.Search(r.Context(), patterns, sw)
	status := keysearch.StatusOf(err)
	if report != nil {
		status = report.Status
	}

	if sw.started {
		w.Header().Set(SearchStatusHeader, status.String())
		return
	}

	code := httpStatus(status)
	w.Header().Set(SearchStatusHeader, status.String())
	if code == http.StatusOK {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		return
	}
	if code >= http.StatusInternalServerError {
		a.Logger.Warn("Search failed", "status", status.String(), "err", err)
	}
	writeJSON(w, code, APIError{Error: errorMessage(err, status), Status: status.String()})
}

func errorMessage(err error, status keysearch.Status) string {
	if err != nil {
		return err.Error()
	}
	return status.String()
}

func httpStatus(s keysearch.Status) int {
	switch s {
	case keysearch.StatusSuccess, keysearch.StatusPartialSuccess:
		return http.StatusOK
	case keysearch.StatusInvalidPattern:
		return http.StatusBadRequest
	case keysearch.StatusNotFound:
		return http.StatusNotFound
	case keysearch.StatusNoBackendConfigured, keysearch.StatusCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// streamWriter commits the 200 header and the status trailer on the first
// record so errors found before any output still get a proper status code.
type streamWriter struct {
	w       http.ResponseWriter
	started bool
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if !s.started {
		s.started = true
		s.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		s.w.Header().Set("Trailer", SearchStatusHeader)
		s.w.WriteHeader(http.StatusOK)
	}
	return s.w.Write(p)
}

func (s *streamWriter) Flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

// StoreKeyblockHandler indexes an uploaded keyblock stream, armored or
// binary, into the mirror store.
func (a *API) StoreKeyblockHandler(w http.ResponseWriter, r *http.Request) {
	authedUserID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		WriteJSONError(w, http.StatusUnauthorized, "Unauthorized: No user ID in token")
		return
	}
	logger := a.Logger.With("user_id", authedUserID)

	limit := a.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		logger.Error("Failed to read request body", "err", err)
		WriteJSONError(w, http.StatusInternalServerError, "Failed to read request body")
		return
	}
	if len(body) == 0 {
		WriteJSONError(w, http.StatusBadRequest, "Request body must not be empty")
		return
	}

	entries, skipped, err := keyblock.Index(body, a.now())
	if err != nil {
		logger.Warn("Failed to decode upload", "err", err)
		WriteJSONError(w, http.StatusBadRequest, "Invalid keyblock encoding")
		return
	}
	if len(entries) == 0 {
		WriteJSONError(w, http.StatusBadRequest, "No keyblocks found in request body")
		return
	}

	resp := StoredKeyblocks{Fingerprints: make([]string, 0, len(entries)), Skipped: skipped}
	for _, kb := range entries {
		if err := a.Store.StoreKeyblock(r.Context(), kb); err != nil {
			logger.Error("Failed to store keyblock", "fingerprint", kb.Fingerprint, "err", err)
			WriteJSONError(w, http.StatusInternalServerError, "Failed to store keyblock")
			return
		}
		resp.Fingerprints = append(resp.Fingerprints, kb.Fingerprint)
	}

	logger.Info("Stored uploaded keyblocks", "count", len(entries), "skipped", skipped)
	writeJSON(w, http.StatusCreated, resp)
}

// GetKeyblockHandler returns the raw stored keyblock for a fingerprint.
func (a *API) GetKeyblockHandler(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("fingerprint")
	p, err := pattern.Normalize(raw)
	if err != nil || p.Kind != keysearch.KindFingerprint {
		a.Logger.Warn("Invalid fingerprint", "raw_fingerprint", raw)
		WriteJSONError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}

	logger := a.Logger.With("fingerprint", p.Value)
	blocks, err := a.Store.Lookup(r.Context(), p)
	if err != nil {
		logger.Error("Failed to look up keyblock", "err", err)
		WriteJSONError(w, http.StatusInternalServerError, "Failed to look up keyblock")
		return
	}
	if len(blocks) == 0 {
		logger.Debug("Keyblock not found")
		WriteJSONError(w, http.StatusNotFound, "Keyblock not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(blocks[0].Data)
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
