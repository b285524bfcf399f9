package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/samcharles93/awq/internal/metrics"
)

func newTestEcho(t *testing.T) (*echo.Echo, *RunStore, *metrics.Recorder) {
	t.Helper()
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	runs := NewRunStore()
	e := echo.New()
	NewServer(runs, rec, reg).Register(e)
	return e, runs, rec
}

func doGet(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEcho(t)
	rec := doGet(t, e, "/healthz")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatusPage(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEcho(t)
	rec := doGet(t, e, "/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "v1/progress") {
		t.Fatalf("status page: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	e, _, rec := newTestEcho(t)
	rec.LayerStarted(0, 2)
	rec.LayerDone(0, time.Second)
	res := doGet(t, e, "/metrics")
	if res.Code != http.StatusOK {
		t.Fatalf("metrics: %d", res.Code)
	}
	body := res.Body.String()
	for _, want := range []string{"awq_layers_total 2", "awq_layers_done_total 1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}

func TestProgress(t *testing.T) {
	t.Parallel()
	e, _, rec := newTestEcho(t)
	rec.LayerStarted(1, 4)
	rec.LayerDone(1, time.Millisecond)
	res := doGet(t, e, "/v1/progress")
	var body struct {
		Progress metrics.Progress `json:"progress"`
		Percent  string           `json:"percent"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Progress.Done != 2 || body.Percent != "50.0" {
		t.Fatalf("progress %+v", body)
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	e, runs, _ := newTestEcho(t)
	now := time.Unix(1700000000, 0)
	runs.Start("a", "llama", now)
	runs.Start("b", "mixtral", now.Add(time.Second))

	res := doGet(t, e, "/v1/runs/a")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"status":"running"`) {
		t.Fatalf("running: %d %s", res.Code, res.Body.String())
	}

	runs.Finish("a", map[string]int{"layers": 2}, nil, now.Add(time.Minute))
	runs.Finish("b", nil, errors.New("awq: numerical instability"), now.Add(time.Minute))
	if runs.Finish("missing", nil, nil, now) {
		t.Fatal("finished an unknown run")
	}

	var got Run
	if err := json.Unmarshal(doGet(t, e, "/v1/runs/a").Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil || *got.CompletedAt != now.Add(time.Minute).Unix() {
		t.Fatalf("run a %+v", got)
	}

	list := runs.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].Status != StatusFailed || list[1].Error == "" {
		t.Fatalf("list %+v", list)
	}

	if res := doGet(t, e, "/v1/runs/nope"); res.Code != http.StatusNotFound {
		t.Fatalf("missing run: %d", res.Code)
	}
}

func TestProgressWithoutSource(t *testing.T) {
	t.Parallel()
	e := echo.New()
	NewServer(nil, nil, prometheus.NewRegistry()).Register(e)
	if res := doGet(t, e, "/v1/progress"); res.Code != http.StatusServiceUnavailable {
		t.Fatalf("progress: %d", res.Code)
	}
}
