package dzine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/enhance-gateway/internal/provider"
	"github.com/vnmchuo/enhance-gateway/internal/worker"
)

func TestBuildPayload_Upscale(t *testing.T) {
	path, body := BuildPayload(OperationUpscale, "https://img/x.jpg", Options{Scale: 3}, Settings{})
	if path != UpscalePath {
		t.Fatalf("Expected %s, got %s", UpscalePath, path)
	}
	raw, _ := json.Marshal(body)
	want := `{"upscaling_resize":3,"output_format":"jpg","images":[{"url":"https://img/x.jpg"}]}`
	if string(raw) != want {
		t.Errorf("Expected %s, got %s", want, raw)
	}
}

func TestBuildPayload_UpscaleDefaultsBadScale(t *testing.T) {
	for _, scale := range []float64{0, -1, 2.5, 100} {
		_, body := BuildPayload(OperationUpscale, "u", Options{Scale: scale}, Settings{OutputFormat: "png"})
		req := body.(upscaleRequest)
		if req.UpscalingResize != DefaultScale {
			t.Errorf("scale %v: expected default %v, got %v", scale, DefaultScale, req.UpscalingResize)
		}
		if req.OutputFormat != "png" {
			t.Errorf("Expected configured output format, got %s", req.OutputFormat)
		}
	}
}

func TestBuildPayload_Restore(t *testing.T) {
	path, body := BuildPayload(OperationRestore, "https://img/x.jpg", Options{}, Settings{})
	if path != RestorePath {
		t.Fatalf("Expected %s, got %s", RestorePath, path)
	}
	req := body.(img2imgRequest)
	if req.StyleCode != DefaultStyleCode {
		t.Errorf("Expected default style code, got %s", req.StyleCode)
	}
	if req.Prompt != defaultRestorePrompt {
		t.Errorf("Expected default prompt, got %s", req.Prompt)
	}
	if req.StructureMatch != 0.6 || req.ColorMatch != 1 || req.QualityMode != 1 {
		t.Errorf("Unexpected tuning: %+v", req)
	}
	if len(req.GenerateSlots) != 4 || req.GenerateSlots[0] != 1 {
		t.Errorf("Expected single output slot, got %v", req.GenerateSlots)
	}
}

func TestBuildPayload_RestoreOptions(t *testing.T) {
	_, body := BuildPayload(OperationRestore, "u", Options{
		Style:        "SUBTLE",
		EnhanceFaces: true,
		Prompt:       "  fix scratches  ",
	}, Settings{StyleCode: "Style-custom"})
	req := body.(img2imgRequest)
	if req.StructureMatch != 0.8 {
		t.Errorf("Expected subtle structure match, got %v", req.StructureMatch)
	}
	if !strings.HasPrefix(req.Prompt, "fix scratches") || !strings.Contains(req.Prompt, "facial detail") {
		t.Errorf("Unexpected prompt %q", req.Prompt)
	}
	if req.StyleCode != "Style-custom" {
		t.Errorf("Expected configured style code, got %s", req.StyleCode)
	}
}

func TestTaskID(t *testing.T) {
	cases := map[string]string{
		`{"code":200,"data":{"task_id":"abc"}}`: "abc",
		`{"data":{"id":"def"}}`:                 "def",
		`{"task_id":"ghi"}`:                     "ghi",
		`{"data":{"task_id":12345}}`:            "12345",
	}
	for in, want := range cases {
		got, ok := TaskID(provider.ParseBody([]byte(in)))
		if !ok || got != want {
			t.Errorf("%s: expected %q, got %q (ok=%v)", in, want, got, ok)
		}
	}
	if _, ok := TaskID(provider.ParseBody([]byte(`{"code":400,"msg":"bad"}`))); ok {
		t.Error("Expected no task id")
	}
}

func TestStatusPath_Escapes(t *testing.T) {
	if got := StatusPath("a/b c"); got != "/get_task_progress/a%2Fb%20c" {
		t.Errorf("Unexpected path %s", got)
	}
}

func TestScaleFromAny(t *testing.T) {
	if ScaleFromAny("3") != 3 || ScaleFromAny(1.5) != 1.5 || ScaleFromAny("x") != 0 || ScaleFromAny(true) != 0 {
		t.Error("Unexpected scale coercion")
	}
}

func TestClientAndLayout_EndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "dz-key" {
			t.Errorf("Expected bare key auth, got %q", r.Header.Get("Authorization"))
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/openapi/v1"+UpscalePath:
			_, _ = w.Write([]byte(`{"code":200,"data":{"task_id":"t-42"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/openapi/v1/get_task_progress/t-42":
			_, _ = w.Write([]byte(`{"code":200,"data":{"status":"succeed","generate_result_slots":["","https://x/out.jpg"]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := New(server.URL+"/openapi/v1", " dz-key ", provider.Options{})
	path, body := BuildPayload(OperationUpscale, "https://img/x.jpg", Options{Scale: 4}, Settings{})
	created, err := client.CreateJob(context.Background(), path, body)
	if err != nil || !created.OK {
		t.Fatalf("CreateJob failed: %v %+v", err, created)
	}
	id, ok := TaskID(created.Body)
	if !ok {
		t.Fatalf("Expected task id in %s", created.Text)
	}

	st, err := worker.NewPoller(client, Layout()).Check(context.Background(), id)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if st.State != worker.JobStatusSucceeded || st.ResultURL != "https://x/out.jpg" {
		t.Errorf("Unexpected status %+v", st)
	}
}
