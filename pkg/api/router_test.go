package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/easzlab/eztc/pkg/desiredstate"
	"github.com/easzlab/eztc/pkg/reconciler"
	"github.com/easzlab/eztc/pkg/rules"
	"github.com/easzlab/eztc/pkg/shaper"
	"go.uber.org/zap"
)

type tableResolver map[string]string

func (r tableResolver) Resolve(_ context.Context, targetType rules.TargetType, name string) (string, error) {
	if targetType == rules.TargetInterface {
		return name, nil
	}
	adapter, ok := r[name]
	if !ok {
		return "", errors.New("not found")
	}
	return adapter, nil
}

func newTestRouter(t *testing.T) (*rules.Store, *shaper.FakeBackend, http.Handler) {
	t.Helper()
	store := rules.NewStore()
	backend := shaper.NewFakeBackend(zap.NewNop())
	rec := reconciler.NewReconciler(tableResolver{"web": "veth1"}, backend, zap.NewNop())
	sync := desiredstate.NewSync(store, rec, zap.NewNop())
	return store, backend, NewRouter(sync, store, zap.NewNop())
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_PutRules(t *testing.T) {
	store, backend, router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPut, "/rules",
		`{"desired": {"rules": {"web": {"targetType": "module", "rule": "--rate 10Mbps"}}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var response reportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(response.Results) != 1 || response.Results[0].Adapter != "veth1" {
		t.Errorf("unexpected results %+v", response.Results)
	}
	if store.Len() != 1 || len(backend.Calls()) != 1 {
		t.Errorf("expected one stored and applied rule")
	}
}

func TestRouter_PatchDelete(t *testing.T) {
	store, backend, router := newTestRouter(t)
	doRequest(t, router, http.MethodPut, "/rules",
		`{"desired": {"rules": {"web": {"targetType": "module", "rule": "--rate 10Mbps"}}}}`)
	backend.Reset()

	rec := doRequest(t, router, http.MethodPatch, "/rules", `{"rules": {"web": null}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if store.Len() != 0 {
		t.Error("expected web deleted")
	}
	if len(backend.Calls()) != 0 {
		t.Error("deletion must not invoke the shaping tool")
	}
}

func TestRouter_MalformedDocument(t *testing.T) {
	_, _, router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPatch, "/rules", `{"rules": `)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRouter_RejectedEntryReported(t *testing.T) {
	store, backend, router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPatch, "/rules", `{"rules": {
		"vm1": {"targetType": "vm", "rule": "x"},
		"eth0-shape": {"targetType": "if", "rule": "--rate 1Mbps"}
	}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var response reportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if !response.Aborted || response.Error == "" {
		t.Errorf("expected an aborted report with an error, got %+v", response)
	}
	if _, ok := store.Get("eth0-shape"); !ok {
		t.Error("expected the valid entry to be stored")
	}
	if len(backend.Calls()) != 0 {
		t.Errorf("expected no apply calls, got %v", backend.Calls())
	}
}

func TestRouter_ListRules(t *testing.T) {
	store, _, router := newTestRouter(t)
	store.ReplaceAll([]rules.Rule{{Name: "eth0-shape", TargetType: rules.TargetInterface, Params: "--rate 1Mbps"}})

	rec := doRequest(t, router, http.MethodGet, "/rules", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"targetType":"if"`) || !strings.Contains(body, `"rule":"--rate 1Mbps"`) {
		t.Errorf("unexpected body %s", body)
	}
}

func TestRouter_Health(t *testing.T) {
	_, _, router := newTestRouter(t)
	rec := doRequest(t, router, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
