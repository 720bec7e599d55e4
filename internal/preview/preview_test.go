package preview

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/starford/nbfolio/internal/ledger"
	"github.com/starford/nbfolio/internal/pipeline"
	"github.com/starford/nbfolio/internal/testutil"
)

// testEnv sets up a synced workspace and a preview router over it.
func testEnv(t *testing.T, withLedger bool) http.Handler {
	t.Helper()
	ws := testutil.TestWorkspace(t)
	ws.WriteNotebook(t, "solar.ipynb", testutil.Notebook("Solar", "Monthly output"))

	var lg ledger.Ledger
	if withLedger {
		lg = testutil.TestLedger(t)
	}
	p := pipeline.New(ws.Source, ws.Processed, ws.Plots, lg, pipeline.DefaultOptions(), testutil.Logger())
	if _, err := p.Sync(context.Background(), false); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return NewRouter(p, nil, Dirs{Processed: ws.ProcessedDir, Plots: ws.PlotsDir}, testutil.Logger())
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLive(t *testing.T) {
	w := get(t, testEnv(t, true), "/health/live")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestOutputs(t *testing.T) {
	w := get(t, testEnv(t, true), "/api/outputs")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp OutputsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Outputs) != 2 {
		t.Fatalf("outputs = %+v", resp.Outputs)
	}
	charts := resp.Outputs[0]
	if charts.Kind != "charts" || len(charts.Outputs) != 1 || charts.Outputs[0].Path != "solar-chart-1.html" {
		t.Errorf("charts entry = %+v", charts)
	}
}

func TestOutputs_LedgerDisabled(t *testing.T) {
	w := get(t, testEnv(t, false), "/api/outputs")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestStatus(t *testing.T) {
	w := get(t, testEnv(t, true), "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Notebooks) != 1 || resp.Notebooks[0].State != pipeline.StateCurrent {
		t.Errorf("notebooks = %+v", resp.Notebooks)
	}
}

func TestIndexLinksOutputs(t *testing.T) {
	w := get(t, testEnv(t, true), "/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`href="/charts/solar-chart-1.html"`,
		`href="/notebooks/solar.ipynb"`,
		`Monthly output`,
		`new EventSource("/api/events")`,
		`href="/charts/solar-chart-1.html" data-output target="frame"`,
		`<iframe id="frame" name="frame"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q", w.Header().Get("Cache-Control"))
	}
}

func TestIndex_LedgerDisabled(t *testing.T) {
	w := get(t, testEnv(t, false), "/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ledger is disabled") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestStaticFiles(t *testing.T) {
	h := testEnv(t, true)

	w := get(t, h, "/charts/solar-chart-1.html")
	if w.Code != http.StatusOK {
		t.Fatalf("chart status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Plotly.newPlot") {
		t.Errorf("chart page not served")
	}

	w = get(t, h, "/notebooks/solar.ipynb")
	if w.Code != http.StatusOK {
		t.Fatalf("notebook status = %d", w.Code)
	}

	w = get(t, h, "/charts/missing.html")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing chart status = %d, want 404", w.Code)
	}
}
