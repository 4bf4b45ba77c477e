package conversion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/models"
)

func TestClient_Submit(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantState     models.JobState
		wantArtifact  string
		wantTransient bool
	}{
		{
			name:         "completed",
			status:       http.StatusOK,
			body:         `{"converted_video_url":"https://videos.s3.amazonaws.com/anime_converted/abc.mp4"}`,
			wantState:    models.StateCompleted,
			wantArtifact: "https://videos.s3.amazonaws.com/anime_converted/abc.mp4",
		},
		{
			name:      "processing accepted",
			status:    http.StatusAccepted,
			body:      `{"status":"processing"}`,
			wantState: models.StateInProgress,
		},
		{
			name:      "processing ok",
			status:    http.StatusOK,
			body:      `{"status":"processing"}`,
			wantState: models.StateInProgress,
		},
		{
			name:          "server error",
			status:        http.StatusInternalServerError,
			body:          `{"error":"boom"}`,
			wantTransient: true,
		},
		{
			name:          "malformed body",
			status:        http.StatusOK,
			body:          `not json`,
			wantTransient: true,
		},
		{
			name:          "unexpected body",
			status:        http.StatusOK,
			body:          `{"status":"queued"}`,
			wantTransient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got request
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("decode request: %v", err)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(Config{URL: srv.URL, Bucket: "videos", Timeout: time.Second}, nil, nil)
			status, err := c.Submit(context.Background(), models.JobHandle{
				ContentKey: "abc.mp4",
				Kind:       models.KindConversion,
			})

			if got.S3Bucket != "videos" || got.S3Key != "abc.mp4" {
				t.Errorf("request = %+v", got)
			}

			if tt.wantTransient {
				if !errors.IsTransient(err) {
					t.Fatalf("err = %v, want transient", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status.State != tt.wantState {
				t.Errorf("state = %s, want %s", status.State, tt.wantState)
			}
			if status.ArtifactRef != tt.wantArtifact {
				t.Errorf("artifact = %q, want %q", status.ArtifactRef, tt.wantArtifact)
			}
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Config{URL: url, Bucket: "videos", Timeout: time.Second}, nil, nil)
	_, err := c.Convert(context.Background(), "abc.mp4")
	if !errors.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(Config{URL: srv.URL, Bucket: "videos", Timeout: 5 * time.Second}, nil, nil)
	if _, err := c.Convert(ctx, "abc.mp4"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
