package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/your-org/facegate/internal/config"
)

func newTestClient(url string) *Client {
	return NewClient(config.RecognitionConfig{
		URL:     url,
		APIKey:  "test-key",
		Timeout: 2 * time.Second,
	})
}

func TestSubmitRegisterSuccess(t *testing.T) {
	var got wirePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"fullData":{"FaceRecords":[{"Face":{"FaceId":"f1","ExternalImageId":"cust-123"}}]}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Submit(context.Background(), Request{
		Action:     ActionRegister,
		Image:      []byte("img-A"),
		CustomerID: "cust-123",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FaceID != "f1" || res.ExternalID != "cust-123" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got.Action != ActionRegister || got.CustomerID != "cust-123" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if !strings.HasPrefix(got.Image, "data:image/jpeg;base64,") {
		t.Fatalf("image not data-URI encoded: %q", got.Image[:30])
	}
}

func TestSubmitIdentifySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got wirePayload
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.CustomerID != "" {
			t.Errorf("identify must not carry customerId, got %q", got.CustomerID)
		}
		w.Write([]byte(`{"success":true,"bestMatch":{"externalImageId":"cust-77","similarity":0.97}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Submit(context.Background(), Request{
		Action: ActionIdentify,
		Image:  []byte("img"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExternalID != "cust-77" || res.Confidence != 0.97 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSubmitRegisterRequiresCustomerID(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Submit(context.Background(), Request{
		Action: ActionRegister,
		Image:  []byte("img"),
	})
	if !errors.Is(err, ErrMissingCustomerID) {
		t.Fatalf("expected ErrMissingCustomerID, got %v", err)
	}
	if called {
		t.Fatal("validation error must happen before any network call")
	}
}

func TestSubmitOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		action    Action
		wantNoFace bool
		wantMsg   string
	}{
		{
			name:    "http error with server message",
			status:  http.StatusBadGateway,
			body:    `{"success":false,"error":"vendor down"}`,
			action:  ActionIdentify,
			wantMsg: "vendor down",
		},
		{
			name:    "200 with success false",
			status:  http.StatusOK,
			body:    `{"success":false,"error":"image too dark"}`,
			action:  ActionIdentify,
			wantMsg: "image too dark",
		},
		{
			name:       "register with empty face records",
			status:     http.StatusOK,
			body:       `{"success":true,"fullData":{"FaceRecords":[]}}`,
			action:     ActionRegister,
			wantNoFace: true,
		},
		{
			name:       "identify with no match",
			status:     http.StatusOK,
			body:       `{"success":true}`,
			action:     ActionIdentify,
			wantNoFace: true,
		},
		{
			name:    "malformed payload",
			status:  http.StatusOK,
			body:    `<html>gateway error</html>`,
			action:  ActionIdentify,
			wantMsg: "malformed response payload",
		},
		{
			name:    "register echo missing identity",
			status:  http.StatusOK,
			body:    `{"success":true,"fullData":{"FaceRecords":[{"Face":{"FaceId":""}}]}}`,
			action:  ActionRegister,
			wantMsg: "missing face identity",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Submit(context.Background(), Request{
				Action:     tc.action,
				Image:      []byte("img"),
				CustomerID: "cust-1",
			})
			if tc.wantNoFace {
				if !errors.Is(err, ErrNoUsableFace) {
					t.Fatalf("expected ErrNoUsableFace, got %v", err)
				}
				return
			}
			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected TransportError, got %v", err)
			}
			if !strings.Contains(te.Message, tc.wantMsg) {
				t.Fatalf("message %q does not contain %q", te.Message, tc.wantMsg)
			}
		})
	}
}

func TestSubmitNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	_, err := newTestClient(srv.URL).Submit(context.Background(), Request{
		Action: ActionIdentify,
		Image:  []byte("img"),
	})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.StatusCode != 0 {
		t.Fatalf("network failure should have no status code, got %d", te.StatusCode)
	}
}
