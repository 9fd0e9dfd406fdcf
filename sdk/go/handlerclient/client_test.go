package handlerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&Credentials{}); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "abc123", TokenType: "Bearer"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.Authenticate(context.Background(), Credentials{
		GrantType: "password",
		Username:  "operator",
		Password:  "secret",
	}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestSubmitMessageSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/messages":
			if r.Header.Get("Authorization") != "Bearer token" {
				t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			var submission MessageSubmission
			if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
				t.Fatalf("decode submission: %v", err)
			}
			if submission.Payload == "" {
				t.Fatal("expected payload to be set")
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Message{ID: "msg-1", Status: "pending"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")

	msg, err := client.SubmitMessage(context.Background(), MessageSubmission{
		Sender:  "0x00000000000000000000000000000000000000bb",
		Payload: "0x01",
	})
	if err != nil {
		t.Fatalf("submit message: %v", err)
	}
	if msg.ID != "msg-1" || msg.Status != "pending" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestGetMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/messages/msg-7" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Message{
			ID:     "msg-7",
			Status: "delivered",
			Receipt: &Receipt{
				Guarded:       true,
				CallCount:     2,
				DrainedAmount: "10",
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	msg, err := client.GetMessage(context.Background(), "msg-7")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Receipt == nil || msg.Receipt.CallCount != 2 {
		t.Fatalf("unexpected receipt: %+v", msg.Receipt)
	}
}

func TestAPIErrorSurfacesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "指令负载不能为空", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.SubmitMessage(context.Background(), MessageSubmission{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	if apiErr.Message == "" {
		t.Fatal("expected error message from body")
	}
}

func TestDrain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/drain" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req DrainRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode drain request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(DrainResult{
			Asset:       req.Asset,
			Destination: req.Destination,
			Amount:      "99",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.Drain(context.Background(), DrainRequest{
		Destination: "0x0000000000000000000000000000000000003003",
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Amount != "99" {
		t.Fatalf("unexpected amount: %s", result.Amount)
	}
}
