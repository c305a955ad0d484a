package callback

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/bjoelf/deriv-adapter/adapter/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(r http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestRedirect_DeliversLaunchParams(t *testing.T) {
	gin.SetMode(gin.TestMode)
	results := make(chan deriv.LaunchParams, 1)
	r := NewRouter(Deps{State: "s1", Logger: quietLogger()}, results)

	w := get(r, "/redirect?state=s1&acct1=CR100&token1=a1-x&cur1=USD&acct2=VRTC200&token2=a1-y&cur2=USD&lang=es")
	require.Equal(t, http.StatusOK, w.Code)

	params := <-results
	require.Len(t, params.Accounts, 2)
	assert.Equal(t, "CR100", params.Accounts[0].LoginID)
	assert.Equal(t, "VRTC200", params.Accounts[1].LoginID)
	assert.Equal(t, "ES", params.Lang)
}

func TestRedirect_Rejections(t *testing.T) {
	gin.SetMode(gin.TestMode)
	results := make(chan deriv.LaunchParams, 1)
	r := NewRouter(Deps{State: "s1", Logger: quietLogger()}, results)

	w := get(r, "/redirect?state=other&token=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(r, "/redirect?state=s1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), ErrNoCredentials.Error())

	assert.Empty(t, results)
}

func TestRedirect_SecondRedirectDropped(t *testing.T) {
	gin.SetMode(gin.TestMode)
	results := make(chan deriv.LaunchParams, 1)
	r := NewRouter(Deps{Logger: quietLogger()}, results)

	assert.Equal(t, http.StatusOK, get(r, "/redirect?token=one").Code)
	assert.Equal(t, http.StatusOK, get(r, "/redirect?token=two").Code)

	assert.Equal(t, "one", (<-results).Token)
	assert.Empty(t, results)
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	require.NoError(t, websocket.RegisterMetrics(reg))
	websocket.FramesReceived.WithLabelValues("ping").Inc()

	r := NewRouter(Deps{Gatherer: reg, Logger: quietLogger()}, make(chan deriv.LaunchParams, 1))
	w := get(r, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `deriv_ws_frames_received_total{msg_type="ping"}`)
}

func TestServer_StartWaitShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := New("127.0.0.1:0", Deps{Logger: quietLogger()})

	addr, err := srv.Start()
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/redirect?token=one-time")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	params, err := srv.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one-time", params.Token)

	require.NoError(t, srv.Shutdown(ctx))
}
