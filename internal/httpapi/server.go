// Package httpapi serves file content over plain HTTP GET and HEAD, with
// byte ranges, on top of the bucket's authorized read operations.
package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ossbucket/ossbucket/internal/bucket"
	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/store"
	"github.com/rs/zerolog/log"
)

// PrincipalHeader carries the caller identity set by an authenticating
// proxy. It is ignored unless Options.TrustPrincipalHeader is set;
// otherwise the caller is the subject of the verified token, or
// anonymous without one.
const PrincipalHeader = "X-Principal"

const cacheControl = "max-age=2592000, public"

// Bucket is the subset of the bucket service the HTTP layer reads through.
type Bucket interface {
	GetFile(ctx context.Context, c bucket.Caller, id uint32) (*store.File, error)
	GetFileByHash(ctx context.Context, c bucket.Caller, h store.Hash) (*store.File, error)
	ReadRange(ctx context.Context, c bucket.Caller, id uint32, offset, length uint64) ([]byte, error)
	Authenticate(token []byte) (bucket.Caller, error)
}

// Options configure a Server.
type Options struct {
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// TrustPrincipalHeader takes the caller from PrincipalHeader. Only
	// for servers reachable solely through a proxy that authenticates
	// callers and sets the header.
	TrustPrincipalHeader bool
}

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Not thread-safe; only used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Server is the HTTP front of one bucket.
type Server struct {
	bucket         Bucket
	trustPrincipal bool
	mux            *http.ServeMux
	server   *http.Server
	listener net.Listener
}

// NewServer creates a server reading from b.
func NewServer(b Bucket, opts Options) *Server {
	s := &Server{bucket: b, trustPrincipal: opts.TrustPrincipalHeader, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /f/{id}", s.handleFile)
	s.mux.HandleFunc("GET /f/{id}/{name}", s.handleFile)
	s.mux.HandleFunc("GET /h/{hash}", s.handleHash)
	s.mux.HandleFunc("GET /h/{hash}/{name}", s.handleHash)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	return s
}

// Handler returns the HTTP handler, with request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		reqID := uuid.NewString()
		rec.Header().Set("X-Request-Id", reqID)

		s.mux.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeText(w, http.StatusBadRequest, "invalid file id")
		return
	}
	c, err := s.callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := s.bucket.GetFile(r.Context(), c, uint32(id))
	if err != nil {
		writeError(w, err)
		return
	}
	s.serve(w, r, c, f)
}

func (s *Server) handleHash(w http.ResponseWriter, r *http.Request) {
	h, err := store.ParseHash(r.PathValue("hash"))
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := s.bucket.GetFileByHash(r.Context(), c, h)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serve(w, r, c, f)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, c bucket.Caller, f *store.File) {
	if !f.Finalized {
		writeError(w, fmt.Errorf("%w: file %d is not fully uploaded", errs.ErrPrecondition, f.ID))
		return
	}

	hdr := w.Header()
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	hdr.Set("Content-Type", ct)
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Cache-Control", cacheControl)
	if f.Hash != nil {
		hdr.Set("ETag", `"`+base64.StdEncoding.EncodeToString(f.Hash[:])+`"`)
	}

	name := f.Name
	if n := r.PathValue("name"); n != "" {
		name = n
	} else if n := r.URL.Query().Get("filename"); n != "" {
		name = n
	}
	if r.URL.Query().Has("inline") {
		name = ""
	}
	hdr.Set("Content-Disposition", contentDisposition(name))

	content := newRangeReader(r.Context(), s.bucket, c, f.ID, f.Size)
	http.ServeContent(w, r, "", time.UnixMilli(f.UpdatedAt), content)
	if content.err != nil {
		log.Warn().Err(content.err).Uint32("file_id", f.ID).Msg("serving file content")
	}
}

// callerFrom reads the token from ?token= (unpadded base64url) or an
// Authorization bearer header and names the caller after its verified
// subject. Requests without a token are anonymous.
func (s *Server) callerFrom(r *http.Request) (bucket.Caller, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			raw = strings.TrimSpace(v)
		}
	}
	var data []byte
	if raw != "" {
		var err error
		data, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
		if err != nil {
			return bucket.Caller{}, fmt.Errorf("%w: token is not base64url", errs.ErrUnauthenticated)
		}
	}

	if s.trustPrincipal {
		if id := r.Header.Get(PrincipalHeader); id != "" {
			return bucket.Caller{ID: id, Token: data}, nil
		}
	}
	if data == nil {
		return bucket.Caller{}, nil
	}
	return s.bucket.Authenticate(data)
}

// contentDisposition is inline for an empty name, else an attachment
// named after the last path element of name.
func contentDisposition(name string) string {
	if name == "" {
		return "inline"
	}
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return "attachment"
	}
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindOK:
		return http.StatusOK
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindAlreadyExists:
		return http.StatusConflict
	case errs.KindInvalidPath:
		return http.StatusRequestedRangeNotSatisfiable
	case errs.KindPrecondition:
		return http.StatusPreconditionFailed
	case errs.KindPermissionDenied:
		return http.StatusForbidden
	case errs.KindUnauthenticated:
		return http.StatusUnauthorized
	case errs.KindNotSupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeText(w, status, msg)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg + "\n"))
}
