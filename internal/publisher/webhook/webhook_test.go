package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"newsrelay/internal/dispatch"
	"newsrelay/internal/faults"
)

func TestPublishSendsBody(t *testing.T) {
	t.Parallel()
	var got Body
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer relay" || r.Header.Get("Idempotency-Key") != "job-1" {
			http.Error(w, "missing headers", http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"id":"fb-123"}`))
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL, AuthHeader: "Bearer relay"})
	if err != nil {
		t.Fatal(err)
	}
	id, err := p.Publish(context.Background(), dispatch.Post{JobID: "job-1", ItemID: "i1", Platform: "facebook", Text: "hello", Attempt: 1})
	if err != nil || id != "fb-123" {
		t.Fatalf("Publish = %q, %v", id, err)
	}
	if got.Platform != "facebook" || got.Text != "hello" || got.Attempt != 1 {
		t.Fatalf("body = %+v", got)
	}
}

func TestPublishStatusClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		header string
		want   faults.Kind
		hint   time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, header: "12", want: faults.TransientExternal, hint: 12 * time.Second},
		{name: "server error", status: http.StatusServiceUnavailable, want: faults.TransientExternal},
		{name: "timeout", status: http.StatusRequestTimeout, want: faults.TransientExternal},
		{name: "rejected", status: http.StatusUnprocessableEntity, want: faults.PermanentExternal},
		{name: "forbidden", status: http.StatusForbidden, want: faults.PermanentExternal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p, _ := New(Config{URL: srv.URL})
			_, err := p.Publish(context.Background(), dispatch.Post{JobID: "j"})
			if faults.KindOf(err) != tt.want {
				t.Fatalf("kind = %v, want %v (err %v)", faults.KindOf(err), tt.want, err)
			}
			var pe *dispatch.PublishError
			if !errors.As(err, &pe) || pe.RetryAfter != tt.hint {
				t.Fatalf("publish error = %+v", pe)
			}
		})
	}
}

func TestPublishNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, _ := New(Config{URL: url, Timeout: time.Second})
	_, err := p.Publish(context.Background(), dispatch.Post{JobID: "j"})
	if faults.KindOf(err) != faults.TransientExternal {
		t.Fatalf("kind = %v (err %v)", faults.KindOf(err), err)
	}
}
