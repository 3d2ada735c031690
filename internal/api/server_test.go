package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/inspectd/inspectd/internal/app/scoring"
	"github.com/inspectd/inspectd/internal/domain"
	"github.com/inspectd/inspectd/internal/infra/engine"
	"github.com/inspectd/inspectd/internal/infra/observability"
	"github.com/inspectd/inspectd/internal/infra/registry"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

// scoreLoader returns handles whose score depends on the artifact kind.
type scoreLoader struct {
	scores map[domain.ModelKind]float64
	loads  atomic.Int32
	closes atomic.Int32
}

type scoreHandle struct {
	score  float64
	loader *scoreLoader
}

func (h *scoreHandle) Predict(context.Context, image.Image) (domain.Prediction, error) {
	v := h.score
	return domain.Prediction{Score: &v}, nil
}

func (h *scoreHandle) Close() error {
	h.loader.closes.Add(1)
	return nil
}

func (l *scoreLoader) Load(_ context.Context, locator string, _ domain.LoadOptions) (domain.InferenceHandle, error) {
	l.loads.Add(1)
	kind := domain.ModelKind(filepath.Base(filepath.Dir(locator)))
	return &scoreHandle{score: l.scores[kind], loader: l}, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type testEnv struct {
	root   string
	loader *scoreLoader
	cache  *engine.Cache
	srv    *Server
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	for _, kind := range domain.BaseKinds() {
		dir := filepath.Join(root, "pill", string(kind))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		for _, ext := range []string{".bin", ".xml"} {
			if err := os.WriteFile(filepath.Join(dir, "model"+ext), []byte("x"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	entry := logrus.NewEntry(log)

	loader := &scoreLoader{scores: map[domain.ModelKind]float64{
		domain.KindPadim:     0.5,
		domain.KindPatchcore: 0.6,
	}}
	reg := registry.New(root)
	cache := engine.NewCache(reg, loader, domain.LoadOptions{Device: "CPU", Task: "classification"}, entry)
	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	svc := scoring.NewService(reg, cache, entry, scoring.WithTracer(tracer))

	srv := NewServer(svc, reg, cache, entry)
	srv.EnableMetrics()
	srv.SetTracer(tracer)
	return &testEnv{root: root, loader: loader, cache: cache, srv: srv}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type part struct {
	field, filename string
	data            []byte
}

func multipartBody(t *testing.T, fields map[string]string, files ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(f.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, body)
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func errorMessage(resp map[string]interface{}) string {
	e, _ := resp["error"].(map[string]interface{})
	msg, _ := e["message"].(string)
	return msg
}

// ─── Health / Models ────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := setupServer(t)
	w := env.do(t, http.MethodGet, "/health", nil, "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "running" {
		t.Errorf("status = %v, want running", resp["status"])
	}
}

func TestListModels(t *testing.T) {
	env := setupServer(t)
	w := env.do(t, http.MethodGet, "/models", nil, "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap map[string]map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	pill := snap["pill"]
	if pill["hybrid"] != "hybrid" {
		t.Errorf("hybrid = %q, want sentinel", pill["hybrid"])
	}
	if pill["padim"] != filepath.Join(env.root, "pill", "padim", "model") {
		t.Errorf("padim = %q", pill["padim"])
	}
}

func TestUnloadAndLoaded(t *testing.T) {
	env := setupServer(t)

	body, ct := multipartBody(t, map[string]string{"item": "pill", "model": "hybrid"},
		part{"file", "a.png", pngBytes(t)})
	if w := env.do(t, http.MethodPost, "/analyze", body, ct); w.Code != http.StatusOK {
		t.Fatalf("analyze: %d %s", w.Code, w.Body.String())
	}

	w := env.do(t, http.MethodGet, "/models/loaded", nil, "")
	loaded, _ := decode(t, w)["loaded"].([]interface{})
	if len(loaded) != 2 {
		t.Fatalf("loaded = %v, want 2 entries", loaded)
	}

	w = env.do(t, http.MethodPost, "/models/unload", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "unloaded" {
		t.Errorf("status = %v, want unloaded", resp["status"])
	}
	if env.cache.Len() != 0 {
		t.Errorf("cache len = %d after unload", env.cache.Len())
	}
	if env.loader.closes.Load() != 2 {
		t.Errorf("closes = %d, want 2", env.loader.closes.Load())
	}
}

// ─── Analyze ────────────────────────────────────────────────────────────────

func TestAnalyze_Hybrid(t *testing.T) {
	env := setupServer(t)
	body, ct := multipartBody(t, map[string]string{"item": "pill", "model": "hybrid", "threshold": "0.7"},
		part{"file", "a.png", pngBytes(t)})

	w := env.do(t, http.MethodPost, "/analyze", body, ct)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["score"] != 0.55 {
		t.Errorf("score = %v, want 0.55", resp["score"])
	}
	if resp["label"] != "NORMAL" {
		t.Errorf("label = %v, want NORMAL", resp["label"])
	}
	if resp["item"] != "pill" || resp["model"] != "hybrid" || resp["threshold"] != 0.7 {
		t.Errorf("unexpected echo fields: %v", resp)
	}
}

func TestAnalyze_DefaultThreshold(t *testing.T) {
	env := setupServer(t)
	env.srv.SetDefaultThreshold(0.5)
	body, ct := multipartBody(t, map[string]string{"item": "pill", "model": "hybrid"},
		part{"file", "a.png", pngBytes(t)})

	resp := decode(t, env.do(t, http.MethodPost, "/analyze", body, ct))
	if resp["threshold"] != 0.5 {
		t.Errorf("threshold = %v, want 0.5", resp["threshold"])
	}
	if resp["label"] != "ANOMALY" {
		t.Errorf("label = %v, want ANOMALY", resp["label"])
	}
}

func TestAnalyze_ClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		file    []byte
		wantMsg string
	}{
		{"unknown item", map[string]string{"item": "unknown", "model": "patchcore"}, nil, "unknown"},
		{"unknown model", map[string]string{"item": "pill", "model": "efficientad"}, nil, "efficientad"},
		{"invalid image", map[string]string{"item": "pill", "model": "padim"}, []byte("garbage"), "invalid image"},
		{"bad threshold", map[string]string{"item": "pill", "model": "padim", "threshold": "high"}, nil, "threshold"},
		{"infinite threshold", map[string]string{"item": "pill", "model": "hybrid", "threshold": "inf"}, nil, "threshold"},
		{"negative infinite threshold", map[string]string{"item": "pill", "model": "hybrid", "threshold": "-Inf"}, nil, "threshold"},
		{"NaN threshold", map[string]string{"item": "pill", "model": "hybrid", "threshold": "NaN"}, nil, "threshold"},
		{"missing item", map[string]string{"model": "padim"}, nil, "item"},
		{"missing model", map[string]string{"item": "pill"}, nil, "model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupServer(t)
			data := tt.file
			if data == nil {
				data = pngBytes(t)
			}
			body, ct := multipartBody(t, tt.fields, part{"file", "a.png", data})

			w := env.do(t, http.MethodPost, "/analyze", body, ct)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if msg := errorMessage(decode(t, w)); !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("message %q should mention %q", msg, tt.wantMsg)
			}
			if env.loader.loads.Load() != 0 {
				t.Errorf("no model should load on a client error")
			}
		})
	}
}

func TestAnalyze_MissingFile(t *testing.T) {
	env := setupServer(t)
	body, ct := multipartBody(t, map[string]string{"item": "pill", "model": "padim"})

	w := env.do(t, http.MethodPost, "/analyze", body, ct)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAnalyze_NotMultipart(t *testing.T) {
	env := setupServer(t)
	w := env.do(t, http.MethodPost, "/analyze", bytes.NewBufferString(`{"item":"pill"}`), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAnalyzeBatch(t *testing.T) {
	env := setupServer(t)
	body, ct := multipartBody(t, map[string]string{"item": "pill", "model": "patchcore", "threshold": "0.5"},
		part{"files", "a.png", pngBytes(t)},
		part{"files", "b.png", []byte("broken")},
	)

	w := env.do(t, http.MethodPost, "/analyze/batch", body, ct)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	results, _ := decode(t, w)["results"].([]interface{})
	if len(results) != 2 {
		t.Fatalf("results = %v", results)
	}
	first := results[0].(map[string]interface{})
	if first["file"] != "a.png" || first["label"] != "ANOMALY" || first["score"] != 0.6 {
		t.Errorf("first = %v", first)
	}
	second := results[1].(map[string]interface{})
	if second["error"] == nil {
		t.Errorf("second should carry an error: %v", second)
	}
}

func TestAnalyzeBatch_NonFiniteThreshold(t *testing.T) {
	env := setupServer(t)
	body, ct := multipartBody(t, map[string]string{"item": "pill", "model": "hybrid", "threshold": "NaN"},
		part{"files", "a.png", pngBytes(t)})

	w := env.do(t, http.MethodPost, "/analyze/batch", body, ct)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %q", w.Code, w.Body.String())
	}
	if msg := errorMessage(decode(t, w)); !strings.Contains(msg, "threshold") {
		t.Errorf("message %q should mention threshold", msg)
	}
}

func TestWriteJSON_UnencodableValue(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]float64{"score": math.NaN()})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if msg := errorMessage(decode(t, w)); msg == "" {
		t.Error("expected an error envelope, got an empty body")
	}
}

// ─── Install / Delete ───────────────────────────────────────────────────────

func TestInstallModel(t *testing.T) {
	env := setupServer(t)
	body, ct := multipartBody(t, nil,
		part{"patchcore_bin", "model.bin", []byte("weights")},
		part{"patchcore_xml", "model.xml", []byte("<net/>")},
	)

	w := env.do(t, http.MethodPut, "/models/cable", body, ct)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/models", nil, "")
	var snap map[string]map[string]string
	json.Unmarshal(w.Body.Bytes(), &snap)
	if _, ok := snap["cable"]["patchcore"]; !ok {
		t.Errorf("cable/patchcore not discovered after install: %v", snap)
	}
	if _, ok := snap["cable"]["hybrid"]; ok {
		t.Error("cable should not expose hybrid with one kind")
	}
}

func TestInstallModel_PartialRejected(t *testing.T) {
	env := setupServer(t)
	body, ct := multipartBody(t, nil, part{"padim_bin", "model.bin", []byte("weights")})

	w := env.do(t, http.MethodPut, "/models/cable", body, ct)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if _, err := os.Stat(filepath.Join(env.root, "cable")); !os.IsNotExist(err) {
		t.Error("rejected install must not create the item directory")
	}
}

func TestDeleteModel(t *testing.T) {
	env := setupServer(t)
	body, ct := multipartBody(t, map[string]string{"item": "pill", "model": "padim"},
		part{"file", "a.png", pngBytes(t)})
	env.do(t, http.MethodPost, "/analyze", body, ct)
	if env.cache.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", env.cache.Len())
	}

	w := env.do(t, http.MethodDelete, "/models/pill", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if env.cache.Len() != 0 {
		t.Error("delete must release cached handles")
	}
	if _, err := os.Stat(filepath.Join(env.root, "pill")); !os.IsNotExist(err) {
		t.Error("pill directory still present")
	}

	w = env.do(t, http.MethodDelete, "/models/pill", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
}

func TestDeleteModel_RejectedDeleteKeepsHandles(t *testing.T) {
	env := setupServer(t)
	body, ct := multipartBody(t, map[string]string{"item": "pill", "model": "padim"},
		part{"file", "a.png", pngBytes(t)})
	env.do(t, http.MethodPost, "/analyze", body, ct)
	if env.cache.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", env.cache.Len())
	}

	if w := env.do(t, http.MethodDelete, "/models/ghost", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown item: expected 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/models/.hidden", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid name: expected 400, got %d", w.Code)
	}

	if env.cache.Len() != 1 {
		t.Errorf("cache len = %d, rejected deletes must not release handles", env.cache.Len())
	}
	if env.loader.closes.Load() != 0 {
		t.Errorf("closes = %d, want 0", env.loader.closes.Load())
	}
}

func TestInstallModel_ReleasesHandles(t *testing.T) {
	env := setupServer(t)
	body, ct := multipartBody(t, map[string]string{"item": "pill", "model": "padim"},
		part{"file", "a.png", pngBytes(t)})
	env.do(t, http.MethodPost, "/analyze", body, ct)

	body, ct = multipartBody(t, nil,
		part{"padim_bin", "model.bin", []byte("v2")},
		part{"padim_xml", "model.xml", []byte("<net/>")},
	)
	if w := env.do(t, http.MethodPut, "/models/pill", body, ct); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if env.cache.Len() != 0 || env.loader.closes.Load() != 1 {
		t.Errorf("len = %d closes = %d, install must release the old handle",
			env.cache.Len(), env.loader.closes.Load())
	}
	got, err := os.ReadFile(filepath.Join(env.root, "pill", "padim", "model.bin"))
	if err != nil || string(got) != "v2" {
		t.Errorf("model.bin = %q, %v", got, err)
	}
}

// ─── Telemetry ──────────────────────────────────────────────────────────────

func TestMetricsAndSpans(t *testing.T) {
	env := setupServer(t)
	body, ct := multipartBody(t, map[string]string{"item": "pill", "model": "padim"},
		part{"file", "a.png", pngBytes(t)})
	env.do(t, http.MethodPost, "/analyze", body, ct)

	w := env.do(t, http.MethodGet, "/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "inspectd_analyze_requests_total") {
		t.Error("analyze counter missing from /metrics")
	}

	w = env.do(t, http.MethodGet, "/debug/spans?limit=10", nil, "")
	var spans []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &spans); err != nil {
		t.Fatal(err)
	}
	if len(spans) == 0 {
		t.Error("expected recorded spans")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := setupServer(t)
	w := env.do(t, http.MethodOptions, "/analyze", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrInvalidImage, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusBadRequest},
		{domain.ErrInvalidSelector, http.StatusBadRequest},
		{domain.ErrEngine, http.StatusBadGateway},
		{os.ErrPermission, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
