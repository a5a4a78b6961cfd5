package render

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmitJob_Accepted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/render" {
			t.Fatalf("path = %s, want /api/render", r.URL.Path)
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}

		var req JobRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if req.JobID != "7f9c0a9e-0000-0000-0000-000000000001" {
			t.Fatalf("job id = %s", req.JobID)
		}
		if req.AccountID != 42 {
			t.Fatalf("account id = %d, want 42", req.AccountID)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, retry, err := client.SubmitJob(ctx, JobRequest{
		JobID:     "7f9c0a9e-0000-0000-0000-000000000001",
		AccountID: 42,
	})
	if err != nil {
		t.Fatalf("SubmitJob error: %v", err)
	}
	if code != http.StatusAccepted {
		t.Fatalf("status code = %d, want %d", code, http.StatusAccepted)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
}

func TestSubmitJob_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, retry, err := client.SubmitJob(ctx, JobRequest{JobID: "x", AccountID: 1})
	if err != nil {
		t.Fatalf("SubmitJob error: %v", err)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retry < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", retry)
	}
}

func TestSubmitJob_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, _, err := client.SubmitJob(ctx, JobRequest{JobID: "x", AccountID: 1})
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
	if code != http.StatusInternalServerError {
		t.Fatalf("status code = %d, want %d", code, http.StatusInternalServerError)
	}
}

func TestSubmitJob_NotConfigured(t *testing.T) {
	var client *Client

	_, _, err := client.SubmitJob(context.Background(), JobRequest{JobID: "x"})
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
