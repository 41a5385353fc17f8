package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tonimelisma/docwatch/internal/docstore"
	"github.com/tonimelisma/docwatch/internal/feed"
	"github.com/tonimelisma/docwatch/internal/watch"
)

// apiError is a failed request: an HTTP status and a message for the
// client.
type apiError struct {
	Status  int
	Message string
}

type apiHandler func(w http.ResponseWriter, r *http.Request) *apiError

// ErrorResponse is the body of every failed REST request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CreateTableRequest is the body of POST /tables.
type CreateTableRequest struct {
	Name       string `json:"name"`
	PrimaryKey string `json:"primary_key,omitempty"`
}

func (s *Server) rest(h apiHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")

		if err := h(w, r); err != nil {
			writeJSON(w, err.Status, ErrorResponse{
				Error: err.Message,
				Code:  errorCodeForStatus(err.Status),
			})
		}
	})
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) *apiError {
	tables, err := s.store.ListTables(r.Context())
	if err != nil {
		return storeError(err)
	}

	if tables == nil {
		tables = []docstore.TableInfo{}
	}

	writeJSON(w, http.StatusOK, tables)

	return nil
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) *apiError {
	var req CreateTableRequest
	if apiErr := decodeBody(w, r, s.opts.MaxBodyBytes, &req); apiErr != nil {
		return apiErr
	}

	if err := s.store.CreateTable(r.Context(), req.Name, docstore.TableOptions{PrimaryKey: req.PrimaryKey}); err != nil {
		return storeError(err)
	}

	info, err := s.store.Table(r.Context(), req.Name)
	if err != nil {
		return storeError(err)
	}

	writeJSON(w, http.StatusCreated, info)

	return nil
}

func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) *apiError {
	info, err := s.store.Table(r.Context(), r.PathValue("table"))
	if err != nil {
		return storeError(err)
	}

	writeJSON(w, http.StatusOK, info)

	return nil
}

func (s *Server) handleDropTable(w http.ResponseWriter, r *http.Request) *apiError {
	if err := s.store.DropTable(r.Context(), r.PathValue("table")); err != nil {
		return storeError(err)
	}

	w.WriteHeader(http.StatusNoContent)

	return nil
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) *apiError {
	var spec docstore.IndexSpec
	if apiErr := decodeBody(w, r, s.opts.MaxBodyBytes, &spec); apiErr != nil {
		return apiErr
	}

	table := r.PathValue("table")

	if err := s.store.CreateIndex(r.Context(), table, spec); err != nil {
		return storeError(err)
	}

	info, err := s.store.Table(r.Context(), table)
	if err != nil {
		return storeError(err)
	}

	writeJSON(w, http.StatusCreated, info)

	return nil
}

// handleListDocs lists a table, or runs an index query when the index
// parameter is set.
func (s *Server) handleListDocs(w http.ResponseWriter, r *http.Request) *apiError {
	q := feed.Query{
		Table:  r.PathValue("table"),
		Index:  r.URL.Query().Get("index"),
		Values: r.URL.Query()["value"],
	}

	var (
		docs []feed.Value
		err  error
	)

	if q.Index == "" {
		docs, err = s.store.List(r.Context(), q.Table)
	} else {
		docs, err = s.store.Query(r.Context(), q)
	}

	if err != nil {
		return storeError(err)
	}

	if docs == nil {
		docs = []feed.Value{}
	}

	writeJSON(w, http.StatusOK, docs)

	return nil
}

func (s *Server) handleInsertDoc(w http.ResponseWriter, r *http.Request) *apiError {
	var doc feed.Value
	if apiErr := decodeBody(w, r, s.opts.MaxBodyBytes, &doc); apiErr != nil {
		return apiErr
	}

	stored, err := s.store.Insert(r.Context(), r.PathValue("table"), doc)
	if err != nil {
		return storeError(err)
	}

	writeJSON(w, http.StatusCreated, stored)

	return nil
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) *apiError {
	doc, err := s.store.Get(r.Context(), r.PathValue("table"), r.PathValue("id"))
	if err != nil {
		return storeError(err)
	}

	writeJSON(w, http.StatusOK, doc)

	return nil
}

// handleReplaceDoc stores the body under the id in the path. The body may
// omit the primary key but must not contradict it.
func (s *Server) handleReplaceDoc(w http.ResponseWriter, r *http.Request) *apiError {
	var doc feed.Value
	if apiErr := decodeBody(w, r, s.opts.MaxBodyBytes, &doc); apiErr != nil {
		return apiErr
	}

	table, id := r.PathValue("table"), r.PathValue("id")

	pk, err := s.store.PrimaryKey(r.Context(), table)
	if err != nil {
		return storeError(err)
	}

	if _, ok := doc[pk]; !ok {
		doc[pk] = id
	} else if got, err := watch.FieldKey(pk)(doc); err != nil || got != id {
		return &apiError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("body %s does not match document id %q", pk, id),
		}
	}

	stored, err := s.store.Replace(r.Context(), table, doc)
	if err != nil {
		return storeError(err)
	}

	writeJSON(w, http.StatusOK, stored)

	return nil
}

func (s *Server) handleUpdateDoc(w http.ResponseWriter, r *http.Request) *apiError {
	var patch feed.Value
	if apiErr := decodeBody(w, r, s.opts.MaxBodyBytes, &patch); apiErr != nil {
		return apiErr
	}

	stored, err := s.store.Update(r.Context(), r.PathValue("table"), r.PathValue("id"), patch)
	if err != nil {
		return storeError(err)
	}

	writeJSON(w, http.StatusOK, stored)

	return nil
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) *apiError {
	old, err := s.store.Delete(r.Context(), r.PathValue("table"), r.PathValue("id"))
	if err != nil {
		return storeError(err)
	}

	writeJSON(w, http.StatusOK, old)

	return nil
}

// decodeBody reads one JSON value of at most limit bytes into v. A null
// document body is rejected.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) *apiError {
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return &apiError{Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
		}

		return &apiError{Status: http.StatusBadRequest, Message: "invalid JSON body: " + err.Error()}
	}

	if doc, ok := v.(*feed.Value); ok && *doc == nil {
		return &apiError{Status: http.StatusBadRequest, Message: "body must be a JSON object"}
	}

	return nil
}

// storeError maps document store errors to HTTP statuses.
func storeError(err error) *apiError {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, docstore.ErrNoSuchTable),
		errors.Is(err, docstore.ErrNoSuchIndex),
		errors.Is(err, docstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, docstore.ErrTableExists),
		errors.Is(err, docstore.ErrIndexExists),
		errors.Is(err, docstore.ErrDuplicateKey):
		status = http.StatusConflict
	case errors.Is(err, docstore.ErrInvalidDocument),
		errors.Is(err, docstore.ErrInvalidName):
		status = http.StatusBadRequest
	}

	return &apiError{Status: status, Message: err.Error()}
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}

	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		s.stats.requests.Add(1)
		next.ServeHTTP(rec, r)

		s.logger.Debug("api request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}
