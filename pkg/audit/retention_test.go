package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiver struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeArchiver) Archive(_ context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = body
	return nil
}

func countLines(t *testing.T, body []byte) int {
	t.Helper()
	n := 0
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		n++
	}
	return n
}

func TestRetention_ArchivesThenDeletes(t *testing.T) {
	clock := quartz.NewMock(t)
	now := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	clock.Set(now)

	store := NewMemoryStore()
	seed(t, store, now.Add(-100*24*time.Hour))
	fresh := Success(ActionAccountCreated, CategoryAccount, nil, nil)
	fresh.Timestamp = now.Add(-time.Hour)
	require.NoError(t, store.Append(context.Background(), fresh))

	archiver := &fakeArchiver{}
	r := NewRetention(store, archiver, "", clock, nil)

	deleted, err := r.Run(context.Background(), 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	assert.Len(t, store.All(), 1)

	require.Len(t, archiver.objects, 1)
	for key, body := range archiver.objects {
		assert.True(t, strings.HasPrefix(key, "audit/2026/06/30/"), key)
		assert.True(t, strings.HasSuffix(key, "-0000.ndjson"), key)
		assert.Equal(t, 4, countLines(t, body))
	}
}

func TestRetention_ArchiveFailureKeepsEntries(t *testing.T) {
	clock := quartz.NewMock(t)
	now := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	clock.Set(now)

	store := NewMemoryStore()
	seed(t, store, now.Add(-100*24*time.Hour))

	r := NewRetention(store, &fakeArchiver{err: errors.New("bucket gone")}, "", clock, nil)
	_, err := r.Run(context.Background(), 90*24*time.Hour)
	assert.Error(t, err)
	assert.Len(t, store.All(), 4)
}

func TestRetention_WithoutArchiver(t *testing.T) {
	clock := quartz.NewMock(t)
	now := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	clock.Set(now)

	store := NewMemoryStore()
	seed(t, store, now.Add(-100*24*time.Hour))

	deleted, err := NewRetention(store, nil, "", clock, nil).Run(context.Background(), 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
}

func TestS3Archiver_PutsObject(t *testing.T) {
	var (
		mu      sync.Mutex
		gotPath string
		gotBody []byte
		gotType string
		gotVerb string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotVerb = r.Method
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	archiver, err := NewS3Archiver(context.Background(), S3Config{
		Bucket:       "audit-archive",
		Region:       "us-east-1",
		Endpoint:     server.URL,
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
	})
	require.NoError(t, err)

	require.NoError(t, archiver.Archive(context.Background(), "audit/2026/06/30/1-0000.ndjson", []byte("{}\n")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, gotVerb)
	assert.Equal(t, "/audit-archive/audit/2026/06/30/1-0000.ndjson", gotPath)
	assert.Equal(t, "application/x-ndjson", gotType)
	assert.Contains(t, string(gotBody), "{}")
}
