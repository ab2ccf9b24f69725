package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testHash = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewHTTPClient(HTTPClientParams{
		BaseURL:    srv.URL,
		WriteToken: "tok",
		Timeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewHTTPClient error: %v", err)
	}
	return client, srv
}

func TestSubmitRegistersNewHash(t *testing.T) {
	var gotToken string
	var gotBody registerRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/notary/records/"):
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/notary/register":
			gotToken = r.Header.Get("X-Notary-Write-Token")
			if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
				t.Errorf("decode register body: %v", err)
			}
			json.NewEncoder(w).Encode(registerResponse{TxRef: "0xfeed", Status: TxPending})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))

	ref, err := client.Submit(context.Background(), testHash)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if ref != "0xfeed" {
		t.Fatalf("expected tx ref 0xfeed, got %q", ref)
	}
	if gotToken != "tok" {
		t.Fatalf("expected write token header, got %q", gotToken)
	}
	if gotBody.ContentHash != testHash {
		t.Fatalf("expected content hash in body, got %q", gotBody.ContentHash)
	}
}

func TestSubmitSkipsRegisteredHash(t *testing.T) {
	posts := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/notary/records/"):
			json.NewEncoder(w).Encode(recordResponse{Registered: true, RegisteredAt: time.Now().UTC(), Registrar: "0xabc"})
		case r.Method == http.MethodPost:
			posts++
			w.WriteHeader(http.StatusConflict)
		}
	}))

	_, err := client.Submit(context.Background(), testHash)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if posts != 0 {
		t.Fatalf("expected no register call for a registered hash, got %d", posts)
	}
}

func TestSubmitMapsConflictToAlreadyRegistered(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusConflict)
	}))

	_, err := client.Submit(context.Background(), testHash)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestSubmitMapsServerErrorToUnavailable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := client.Submit(context.Background(), testHash)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSubmitMapsClientErrorToRejected(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, "bad hash", http.StatusUnprocessableEntity)
	}))

	_, err := client.Submit(context.Background(), testHash)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestSubmitMapsTransportErrorToUnavailable(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := client.Submit(context.Background(), testHash)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestInfoReturnsRecord(t *testing.T) {
	registeredAt := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/notary/records/"+testHash {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(recordResponse{Registered: true, RegisteredAt: registeredAt, Registrar: "0xabc"})
	}))

	rec, ok, err := client.Info(context.Background(), testHash)
	if err != nil {
		t.Fatalf("Info error: %v", err)
	}
	if !ok {
		t.Fatalf("expected record to be found")
	}
	if !rec.RegisteredAt.Equal(registeredAt) || rec.Registrar != "0xabc" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestInfoMissingHash(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, ok, err := client.Info(context.Background(), testHash)
	if err != nil {
		t.Fatalf("Info error: %v", err)
	}
	if ok {
		t.Fatalf("expected record to be absent")
	}
}

func TestTxStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/notary/tx/0xfeed" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(txStatusResponse{TxRef: "0xfeed", Status: TxConfirmed})
	}))

	status, err := client.TxStatus(context.Background(), "0xfeed")
	if err != nil {
		t.Fatalf("TxStatus error: %v", err)
	}
	if status != TxConfirmed {
		t.Fatalf("expected confirmed, got %q", status)
	}

	_, err = client.TxStatus(context.Background(), "0xmissing")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for unknown tx, got %v", err)
	}
}
