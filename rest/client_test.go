package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devleaks/xplane-webapi/errors"
	"github.com/devleaks/xplane-webapi/pkg/retry"
)

// newTestClient points a Client at an httptest server.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	c, err := NewClient(u.Hostname(), port,
		WithHTTPClient(srv.Client()),
		WithTimeout(time.Second),
		WithRetry(retry.Config{MaxAttempts: 1}))
	require.NoError(t, err)
	return c, srv
}

func TestReachable(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/datarefs/count", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":12345}`))
	}))

	assert.NoError(t, c.Reachable(context.Background()))
}

func TestReachable_Down(t *testing.T) {
	c, srv := newTestClient(t, http.NotFoundHandler())
	srv.Close()

	err := c.Reachable(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestCapabilities_V2(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/capabilities", r.URL.Path)
		_, _ = w.Write([]byte(`{"api":{"versions":["v1","v2"]},"x-plane":{"version":"12.1.4"}}`))
	}))

	caps, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, caps.API.Versions)
	assert.Equal(t, "12.1.4", caps.XPlane.Version)
}

func TestCapabilities_V1Fallback(t *testing.T) {
	// Old simulator: no capabilities endpoint, but the v1 probe answers.
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/datarefs/count":
			_, _ = w.Write([]byte(`{"data":9000}`))
		default:
			http.NotFound(w, r)
		}
	}))

	caps, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, caps.API.Versions)
}

func TestCapabilities_Cached(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"api":{"versions":["v2"]}}`))
	}))

	_, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	_, err = c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestSelectVersion_Newest(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Numeric ordering: v10 beats v2, alphabetical would pick v2
		_, _ = w.Write([]byte(`{"api":{"versions":["v1","v10","v2"]}}`))
	}))

	v, err := c.SelectVersion(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "v10", v)
	assert.Equal(t, "v10", c.Version())
}

func TestSelectVersion_Requested(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"api":{"versions":["v1","v2"]}}`))
	}))

	v, err := c.SelectVersion(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestSelectVersion_RequestedUnavailable(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"api":{"versions":["v1"]}}`))
	}))

	_, err := c.SelectVersion(context.Background(), "v2")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestFetchMeta(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/capabilities":
			_, _ = w.Write([]byte(`{"api":{"versions":["v2"]}}`))
		case "/api/v2/datarefs":
			_, _ = w.Write([]byte(`{"data":[
				{"id":1,"name":"sim/time/total_running_time_sec","value_type":"float","is_writable":false},
				{"id":2,"name":"sim/cockpit/autopilot/heading","value_type":"float","is_writable":true}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))

	_, err := c.SelectVersion(context.Background(), "")
	require.NoError(t, err)

	entries, err := c.FetchMeta(context.Background(), "datarefs")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "sim/time/total_running_time_sec", entries[0].Name)
	assert.True(t, entries[1].IsWritable)
}

func TestFetchMetaByName(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/capabilities":
			_, _ = w.Write([]byte(`{"api":{"versions":["v2"]}}`))
		case "/api/v2/datarefs":
			name := r.URL.Query().Get("filter[name]")
			if name == "sim/cockpit/autopilot/heading" {
				_, _ = w.Write([]byte(`{"data":[{"id":7,"name":"sim/cockpit/autopilot/heading","value_type":"float","is_writable":true}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"data":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))

	_, err := c.SelectVersion(context.Background(), "")
	require.NoError(t, err)

	m, err := c.FetchMetaByName(context.Background(), "datarefs", "sim/cockpit/autopilot/heading")
	require.NoError(t, err)
	assert.EqualValues(t, 7, m.ID)

	_, err = c.FetchMetaByName(context.Background(), "datarefs", "sim/unknown/path")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnknownPath))
}

func TestDatarefValue(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/capabilities":
			_, _ = w.Write([]byte(`{"api":{"versions":["v2"]}}`))
		case "/api/v2/datarefs/42/value":
			_, _ = w.Write([]byte(`{"data":271.5}`))
		default:
			http.NotFound(w, r)
		}
	}))

	_, err := c.SelectVersion(context.Background(), "")
	require.NoError(t, err)

	raw, err := c.DatarefValue(context.Background(), 42)
	require.NoError(t, err)
	assert.JSONEq(t, `271.5`, string(raw))
}

func TestWriteDataref(t *testing.T) {
	var gotBody map[string]any
	var gotQuery url.Values
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/capabilities":
			_, _ = w.Write([]byte(`{"api":{"versions":["v2"]}}`))
		case "/api/v2/datarefs/42/value":
			require.Equal(t, http.MethodPatch, r.Method)
			gotQuery = r.URL.Query()
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))

	_, err := c.SelectVersion(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, c.WriteDataref(context.Background(), 42, 271.5, nil))
	assert.Equal(t, 271.5, gotBody["data"])
	assert.Empty(t, gotQuery.Get("index"))

	idx := 3
	require.NoError(t, c.WriteDataref(context.Background(), 42, 1.0, &idx))
	assert.Equal(t, "3", gotQuery.Get("index"))
}

func TestActivateCommand(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/capabilities":
			_, _ = w.Write([]byte(`{"api":{"versions":["v2"]}}`))
		case "/api/v2/command/9/activate":
			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))

	_, err := c.SelectVersion(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, c.ActivateCommand(context.Background(), 9, 1.5))
	assert.EqualValues(t, 9, gotBody["id"])
	assert.Equal(t, 1.5, gotBody["duration"])
}

func TestSetEndpoint_DropsCache(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"api":{"versions":["v2"]}}`))
	}))

	_, err := c.SelectVersion(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "v2", c.Version())

	host, port := c.Endpoint()
	c.SetEndpoint(host, port+1)
	assert.Empty(t, c.Version(), "endpoint change must invalidate the selected version")

	// Same endpoint keeps the selection
	c.SetEndpoint(host, port+1)
	assert.Empty(t, c.Version())
}

func TestFetchMetaByName_EscapesFilter(t *testing.T) {
	var gotRawQuery string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/capabilities":
			_, _ = w.Write([]byte(`{"api":{"versions":["v2"]}}`))
		case "/api/v2/datarefs":
			gotRawQuery = r.URL.RawQuery
			_, _ = w.Write([]byte(`{"data":[{"id":1,"name":"x"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))

	_, err := c.SelectVersion(context.Background(), "")
	require.NoError(t, err)

	_, err = c.FetchMetaByName(context.Background(), "datarefs", "sim/time/total_running_time_sec")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(gotRawQuery, "filter%5Bname%5D="))
}
