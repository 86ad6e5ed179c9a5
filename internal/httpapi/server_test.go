package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ossbucket/ossbucket/internal/authz"
	"github.com/ossbucket/ossbucket/internal/bucket"
	"github.com/ossbucket/ossbucket/internal/clock"
	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/kv"
	"github.com/ossbucket/ossbucket/internal/metrics"
	"github.com/ossbucket/ossbucket/internal/store"
	"github.com/ossbucket/ossbucket/internal/token"
	"github.com/ossbucket/ossbucket/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucketName = "web"

var content = []byte("hello, range world")

type fixture struct {
	handler http.Handler
	svc     *bucket.Service
	signer  *token.KeySigner
	clock   *clock.FakeClock
	fileID  uint32
	hash    store.Hash
	mgrTok  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	signer, err := token.NewSigner(testutil.Ed25519Key(t))
	require.NoError(t, err)
	pub, err := token.MarshalPublicKey(signer.Public())
	require.NoError(t, err)

	limits := store.DefaultLimits()
	limits.EnableHashIndex = true
	clk := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc, err := bucket.Open(context.Background(), db, bucket.Options{
		Seed: bucket.State{
			Name:        bucketName,
			Limits:      limits,
			Roles:       authz.RoleSet{Managers: []string{"mgr"}},
			TrustedKeys: []string{pub},
		},
		Clock: clk,
	})
	require.NoError(t, err)

	mgr := bucket.Caller{ID: "mgr"}
	id, err := svc.CreateFile(context.Background(), mgr, store.CreateFileInput{
		Name:        "a.txt",
		ContentType: "text/plain",
		Content:     content,
	})
	require.NoError(t, err)
	f, err := svc.GetFile(context.Background(), mgr, id)
	require.NoError(t, err)

	fx := &fixture{
		handler: NewServer(svc, Options{Metrics: metrics.Handler()}).Handler(),
		svc:     svc,
		signer:  signer,
		clock:   clk,
		fileID:  id,
		hash:    *f.Hash,
	}
	fx.mgrTok = fx.token(t, "mgr", "")
	return fx
}

func (f *fixture) token(t *testing.T, subject, scope string) string {
	t.Helper()
	data, err := token.Sign(f.signer, token.New(subject, bucketName, scope, f.clock.Now(), time.Hour))
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(data)
}

// mgr returns headers authenticating as the manager plus the given
// key/value pairs.
func (f *fixture) mgr(kv ...string) map[string]string {
	hdr := map[string]string{"Authorization": "Bearer " + f.mgrTok}
	for i := 0; i+1 < len(kv); i += 2 {
		hdr[kv[i]] = kv[i+1]
	}
	return hdr
}

func (f *fixture) do(method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestGetWholeFile(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, fmt.Sprintf("/f/%d", f.fileID), f.mgr())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, `"`+base64.StdEncoding.EncodeToString(f.hash[:])+`"`, rec.Header().Get("ETag"))
	assert.Equal(t, "attachment; filename=a.txt", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, cacheControl, rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHead(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodHead, fmt.Sprintf("/f/%d", f.fileID), f.mgr())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, fmt.Sprint(len(content)), rec.Header().Get("Content-Length"))
}

func TestByteRanges(t *testing.T) {
	f := newFixture(t)
	target := fmt.Sprintf("/f/%d", f.fileID)

	rec := f.do(http.MethodGet, target, f.mgr("Range", "bytes=7-11"))
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "range", rec.Body.String())
	assert.Equal(t, fmt.Sprintf("bytes 7-11/%d", len(content)), rec.Header().Get("Content-Range"))

	rec = f.do(http.MethodGet, target, f.mgr("Range", "bytes=-5"))
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "world", rec.Body.String())

	rec = f.do(http.MethodGet, target, f.mgr("Range", "bytes=500-600"))
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)

	// A stale If-Range falls back to the whole file.
	rec = f.do(http.MethodGet, target, f.mgr("Range", "bytes=0-4", "If-Range", `"stale"`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.Bytes())
}

func TestGetByHash(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/h/"+f.hash.String()+"/renamed.txt", f.mgr())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Equal(t, "attachment; filename=renamed.txt", rec.Header().Get("Content-Disposition"))

	rec = f.do(http.MethodGet, "/h/zz", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var other store.Hash
	rec = f.do(http.MethodGet, "/h/"+other.String(), f.mgr())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenCredentials(t *testing.T) {
	f := newFixture(t)
	target := fmt.Sprintf("/f/%d", f.fileID)
	tok := f.token(t, "alice", "File.Read")

	rec := f.do(http.MethodGet, target+"?token="+tok+"&inline", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "inline", rec.Header().Get("Content-Disposition"))

	rec = f.do(http.MethodGet, target+"?filename=x.bin", map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "attachment; filename=x.bin", rec.Header().Get("Content-Disposition"))

	// Without a trusted proxy the header does not rename the caller.
	rec = f.do(http.MethodGet, target+"?token="+tok, map[string]string{PrincipalHeader: "mgr"})
	require.Equal(t, http.StatusOK, rec.Code)

	f.clock.Advance(2 * time.Hour)
	rec = f.do(http.MethodGet, target+"?token="+tok, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, target+"?token=***", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPrincipalHeaderIgnoredByDefault(t *testing.T) {
	f := newFixture(t)
	target := fmt.Sprintf("/f/%d", f.fileID)

	rec := f.do(http.MethodGet, target, map[string]string{PrincipalHeader: "mgr"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A well-formed token from a key the bucket does not trust.
	other, err := token.NewSigner(testutil.Ed25519Key(t))
	require.NoError(t, err)
	data, err := token.Sign(other, token.New("mgr", bucketName, "", f.clock.Now(), time.Hour))
	require.NoError(t, err)
	forged := base64.RawURLEncoding.EncodeToString(data)
	rec = f.do(http.MethodGet, target, map[string]string{"Authorization": "Bearer " + forged, PrincipalHeader: "mgr"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The subject comes from the token, so a manager token reads.
	rec = f.do(http.MethodGet, target, f.mgr())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTrustedPrincipalHeader(t *testing.T) {
	f := newFixture(t)
	f.handler = NewServer(f.svc, Options{TrustPrincipalHeader: true}).Handler()
	target := fmt.Sprintf("/f/%d", f.fileID)

	rec := f.do(http.MethodGet, target, map[string]string{PrincipalHeader: "mgr"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, content, rec.Body.Bytes())

	// The token belongs to alice, not bob.
	tok := f.token(t, "alice", "File.Read")
	rec = f.do(http.MethodGet, target+"?token="+tok, map[string]string{PrincipalHeader: "bob"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, target+"?token="+tok, map[string]string{PrincipalHeader: "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, fmt.Sprintf("/f/%d", f.fileID), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/f/999", f.mgr())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/f/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, fmt.Sprintf("/f/%d", f.fileID), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIncompleteFile(t *testing.T) {
	f := newFixture(t)
	mgr := bucket.Caller{ID: "mgr"}
	id, err := f.svc.CreateFile(context.Background(), mgr, store.CreateFileInput{Name: "partial", Size: 10})
	require.NoError(t, err)
	_, err = f.svc.WriteChunk(context.Background(), mgr, id, 0, []byte("12345"), nil)
	require.NoError(t, err)

	rec := f.do(http.MethodGet, fmt.Sprintf("/f/%d", id), f.mgr())
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t, "inline", contentDisposition(""))
	assert.Equal(t, "attachment; filename=test.txt", contentDisposition("./test.txt"))
	assert.Equal(t, "attachment; filename=test.txt", contentDisposition("/dir/test.txt"))
	assert.Equal(t, `attachment; filename="my file.txt"`, contentDisposition("my file.txt"))
	assert.Equal(t,
		"attachment; filename*=utf-8''%E7%BB%9F%E8%AE%A1%E6%95%B0%E6%8D%AE.txt",
		contentDisposition("统计数据.txt"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("%w: x", errs.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", errs.ErrInvalidPath), http.StatusRequestedRangeNotSatisfiable},
		{fmt.Errorf("%w: x", errs.ErrPermissionDenied), http.StatusForbidden},
		{fmt.Errorf("%w: x", errs.ErrUnauthenticated), http.StatusUnauthorized},
		{fmt.Errorf("%w: x", errs.ErrPrecondition), http.StatusPreconditionFailed},
		{fmt.Errorf("%w: x", errs.ErrNotSupported), http.StatusNotImplemented},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}

func TestRangeReaderSeek(t *testing.T) {
	f := newFixture(t)
	r := newRangeReader(context.Background(), f.svc, bucket.Caller{ID: "mgr"}, f.fileID, uint64(len(content)))

	off, err := r.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)-5), off)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "world", string(rest))

	_, err = r.Seek(-1, io.SeekStart)
	assert.Error(t, err)
}
