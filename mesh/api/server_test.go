package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mesh-engine/mesh-engine/mesh"
)

const serverTestManifest = `
[namespaces.content]
writers = ["*"]

[namespaces.secrets]
writers = ["vault"]
`

func newTestServer(t *testing.T) (*mesh.Engine, *httptest.Server) {
	t.Helper()
	acl, err := mesh.ParseACLManifest([]byte(serverTestManifest))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	engine, err := mesh.NewEngine(mesh.Config{}, acl, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	srv := httptest.NewServer(NewServer(engine))
	t.Cleanup(srv.Close)
	return engine, srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestServer_Mutations_CommitAndReadBack(t *testing.T) {
	// GIVEN a running server
	_, srv := newTestServer(t)

	// WHEN a mutation is posted
	resp := postJSON(t, srv.URL+"/v1/mutations", `{"key":"content/title","value":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	got := decode[map[string]any](t, resp)
	if got["version"].(float64) != 1 {
		t.Errorf("version: got %v, want 1", got["version"])
	}

	// THEN the key reads back, slashes and all
	resp, err := http.Get(srv.URL + "/v1/keys/content/title")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status: got %d, want 200", resp.StatusCode)
	}
	read := decode[map[string]any](t, resp)
	if read["value"] != "hello" || read["version"].(float64) != 1 {
		t.Errorf("read back: got %v", read)
	}
}

func TestServer_Mutations_StatusCodes(t *testing.T) {
	engine, srv := newTestServer(t)
	engine.SubmitMutation("content/a", "seed", 0)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"stale version", `{"key":"content/a","value":"x","expected_version":0}`, http.StatusConflict},
		{"denied namespace", `{"key":"secrets/k","value":"x"}`, http.StatusForbidden},
		{"missing key", `{"value":"x"}`, http.StatusBadRequest},
		{"malformed body", `{"key":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/mutations", tc.body)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestServer_Keys_NotFound(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/keys/content/absent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestServer_UnitEnabled_TogglesAndRejectsUnknown(t *testing.T) {
	// GIVEN a registered unit
	engine, srv := newTestServer(t)
	engine.Register(mesh.UnitDescriptor{ID: "worker", Keys: []string{"content/a"}},
		mesh.FuncUnit{
			TriggerFn: func(*mesh.Snapshot) bool { return false },
			ActFn:     func(context.Context, *mesh.Handle) error { return nil },
		})

	// WHEN disabled over the API
	resp := postJSON(t, srv.URL+"/v1/units/worker/enabled", `{"enabled":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// THEN health reflects nothing for the unit yet, and an unknown ID is 404
	resp = postJSON(t, srv.URL+"/v1/units/ghost/enabled", `{"enabled":true}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown unit: got %d, want 404", resp.StatusCode)
	}
}

func TestServer_Health_ReportsEngineState(t *testing.T) {
	// GIVEN an engine with pressure set and one mutation
	engine, srv := newTestServer(t)
	engine.SubmitMutation("content/a", 1, 0)
	engine.SetPressure(0.95)

	// WHEN health is polled
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	var h mesh.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	// THEN the report carries the degraded flag and mutation count
	if h.Pressure != 0.95 || !h.Degraded || h.Mutations != 1 {
		t.Errorf("health: %+v", h)
	}
}

func TestServer_TraceSummary_Served(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/trace/summary")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type: got %s", ct)
	}
}
