package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agsys/meshgate/internal/bus"
	"github.com/agsys/meshgate/internal/decryptretry"
	"github.com/agsys/meshgate/internal/gateway"
	"github.com/agsys/meshgate/internal/keystore"
	"github.com/agsys/meshgate/internal/processor"
	"github.com/agsys/meshgate/internal/radiolink"
	"github.com/agsys/meshgate/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := bus.New()
	ks := keystore.New()
	mgr := radiolink.NewManager(radiolink.Config{}, ks, db, b)
	proc := processor.New(db, ks, b)
	gw := gateway.New(db, mgr, b)
	retry := decryptretry.New(db, proc, b)
	return New(gw, b, retry)
}

func TestHealthEndpointReturnsDisconnected(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "disconnected" {
		t.Fatalf("expected status disconnected, got %v", body["status"])
	}
}

func TestListContactsEmpty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/contacts", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var contacts []interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &contacts); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(contacts) != 0 {
		t.Fatalf("expected no contacts, got %d", len(contacts))
	}
}

func TestSendDirectMessageUnknownContactReturnsBadRequest(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`{"dest_key":"deadbeef","text":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/messages/direct", body)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMarkContactReadUnknownReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/contacts/deadbeef/read", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpdateSettingsAppliesPartialUpdate(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`{"max_radio_contacts": 42}`)
	req := httptest.NewRequest(http.MethodPatch, "/settings", body)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/settings", nil)
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	var settings store.AppSettings
	if err := json.Unmarshal(rec.Body.Bytes(), &settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if settings.MaxRadioContacts != 42 {
		t.Fatalf("expected max_radio_contacts 42, got %d", settings.MaxRadioContacts)
	}
}

func TestDecryptRetryChannelSweepOnEmptyStoreReturnsJobID(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`{"channel_key":"0102030405060708090A0B0C0D0E0F10","name":"Secret"}`)
	req := httptest.NewRequest(http.MethodPost, "/decrypt-retry/channel", body)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp["job_id"] == "" {
		t.Fatal("expected a non-empty job id")
	}
}
