package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_StartStop(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(f.svc, Options{})
	assert.Nil(t, srv.Addr())

	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer func() { _ = srv.Stop() }()
	base := "http://" + srv.Addr().String()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/f/%d", base, f.fileID), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.mgrTok)
	req.Header.Set("Range", "bytes=0-4")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "hello", string(body))

	// Metrics are not routed without a handler.
	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, srv.Stop())
	_, err = http.Get(base + "/healthz")
	assert.Error(t, err)
}

func TestServer_StartBadAddress(t *testing.T) {
	srv := NewServer(nil, Options{})
	assert.Error(t, srv.Start("not-an-address"))
	assert.NoError(t, srv.Stop())
}
