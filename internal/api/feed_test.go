package printapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lmnt-print/printhost/pkg/apierrors"
)

type staticToken string

func (s staticToken) Token(context.Context) ([]byte, error) { return []byte(s), nil }

func TestJobFeedPullsDescriptors(t *testing.T) {
	var mu sync.Mutex
	queue := []string{
		`{"job_id":"job-feed","ciphertext_ref":"https://cdn.example/job-feed.lmnt","filename":"benchy.gcode",` +
			`"device_envelope":{"key_id":"dk-1","blob":"` + base64.StdEncoding.EncodeToString([]byte("device")) + `"},` +
			`"job_envelope":{"blob":"` + base64.StdEncoding.EncodeToString([]byte("job")) + `"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer feed-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if len(queue) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(queue[0]))
		queue = queue[1:]
	}))
	t.Cleanup(srv.Close)

	feed, err := NewJobFeed(FeedConfig{URL: srv.URL, Token: staticToken("feed-token")})
	require.NoError(t, err)
	desc, err := feed.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, desc)
	require.Equal(t, "job-feed", desc.JobID)
	require.Equal(t, "dk-1", desc.Cascade.Device.KeyID)
	require.Equal(t, []byte("job"), desc.Cascade.Job.Blob)

	desc, err = feed.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, desc, "empty feed")

	anonymous, err := NewJobFeed(FeedConfig{URL: srv.URL})
	require.NoError(t, err)
	_, err = anonymous.Next(context.Background())
	require.True(t, apierrors.HasCode(err, apierrors.CodeAuth), "%v", err)
}

func TestJobFeedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/broken":
			_, _ = w.Write([]byte(`{"job_id":`))
		case "/unknown-field":
			_, _ = w.Write([]byte(`{"job_id":"j","surprise":true}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	t.Cleanup(srv.Close)

	cases := map[string]apierrors.Code{
		"/broken":        apierrors.CodeInvalidArgument,
		"/unknown-field": apierrors.CodeInvalidArgument,
		"/down":          apierrors.CodeUnavailable,
	}
	for path, want := range cases {
		feed, err := NewJobFeed(FeedConfig{URL: srv.URL + path})
		require.NoError(t, err)
		_, err = feed.Next(context.Background())
		require.True(t, apierrors.HasCode(err, want), "%s: %v", path, err)
	}

	_, err := NewJobFeed(FeedConfig{})
	require.Error(t, err)
}
