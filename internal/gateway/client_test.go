package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method      string
	path        string
	query       map[string]string
	body        string
	contentType string
	headers     http.Header
}

func newCaptureServer(t *testing.T, respond string) (*httptest.Server, *captured) {
	t.Helper()

	cap := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cap.method = r.Method
		cap.path = r.URL.Path
		cap.query = map[string]string{}
		for k := range r.URL.Query() {
			cap.query[k] = r.URL.Query().Get(k)
		}
		body, _ := io.ReadAll(r.Body)
		cap.body = string(body)
		cap.contentType = r.Header.Get("Content-Type")
		cap.headers = r.Header.Clone()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respond))
	}))
	t.Cleanup(srv.Close)

	return srv, cap
}

func TestClientDoDefaultsAndBearer(t *testing.T) {
	srv, cap := newCaptureServer(t, `{"success":true,"result":{"id":"z1"},"errors":[],"messages":[]}`)

	c := NewClient(srv.URL, testGraphQLPath, Auth{Token: "tok-123"}, srv.Client())

	env, err := c.Do(context.Background(), RequestOptions{
		Path:  "/zones",
		Query: map[string]string{"name": "example.com", "page": ""},
	})
	require.NoError(t, err)

	assert.True(t, env.Success)
	assert.Equal(t, http.MethodGet, cap.method)
	assert.Equal(t, "/zones", cap.path)
	assert.Equal(t, "example.com", cap.query["name"])
	assert.NotContains(t, cap.query, "page", "empty query values are dropped")
	assert.Equal(t, "Bearer tok-123", cap.headers.Get("Authorization"))
}

func TestClientDoLegacyKeyAuth(t *testing.T) {
	srv, cap := newCaptureServer(t, `{"success":true,"result":null,"errors":[],"messages":[]}`)

	c := NewClient(srv.URL, testGraphQLPath, Auth{Email: "ops@example.com", Key: "k"}, srv.Client())

	_, err := c.Do(context.Background(), RequestOptions{Path: "user"})
	require.NoError(t, err)

	assert.Empty(t, cap.headers.Get("Authorization"))
	assert.Equal(t, "ops@example.com", cap.headers.Get("X-Auth-Email"))
	assert.Equal(t, "k", cap.headers.Get("X-Auth-Key"))
	assert.Equal(t, "/user", cap.path, "missing leading slash is normalized")
}

func TestClientDoJSONBody(t *testing.T) {
	srv, cap := newCaptureServer(t, `{"success":true,"result":null,"errors":[],"messages":[]}`)

	c := NewClient(srv.URL, testGraphQLPath, Auth{Token: "t"}, srv.Client())

	_, err := c.Do(context.Background(), RequestOptions{
		Method: "post",
		Path:   "/zones",
		Body:   map[string]any{"name": "example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, cap.method)
	assert.Equal(t, "application/json", cap.contentType)

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(cap.body), &sent))
	assert.Equal(t, "example.com", sent["name"])
}

func TestClientDoRawBody(t *testing.T) {
	srv, cap := newCaptureServer(t, `{"success":true,"result":null,"errors":[],"messages":[]}`)

	c := NewClient(srv.URL, testGraphQLPath, Auth{Token: "t"}, srv.Client())

	_, err := c.Do(context.Background(), RequestOptions{
		Method:      "PUT",
		Path:        "/workers/scripts/my-script",
		RawBody:     "export default {}",
		ContentType: "application/javascript",
	})
	require.NoError(t, err)

	assert.Equal(t, "export default {}", cap.body)
	assert.Equal(t, "application/javascript", cap.contentType)
}

func TestClientDoUpstreamFailure(t *testing.T) {
	srv, _ := newCaptureServer(t, `{"success":false,"errors":[{"code":10000,"message":"authentication error"}]}`)

	c := NewClient(srv.URL, testGraphQLPath, Auth{Token: "bad"}, srv.Client())

	_, err := c.Do(context.Background(), RequestOptions{Path: "/user"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10000: authentication error")
}
