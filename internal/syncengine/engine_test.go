package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memoryd/engine/internal/cloudstore"
	"github.com/memoryd/engine/internal/config"
	"github.com/memoryd/engine/internal/localstore"
	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/memoryd/engine/internal/secrets"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}
func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dim)
	v[0] = 1
	return v, nil
}
func (f *fakeEmbedder) Dimension() int { return f.dim }
func (f *fakeEmbedder) Close() error   { return nil }

func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, *localstore.Store) {
	t.Helper()
	local, err := localstore.Open(context.Background(), localstore.Config{Path: ":memory:", EmbeddingDim: 4}, &fakeEmbedder{dim: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cloud, err := cloudstore.New(cloudstore.Config{
		BaseURL:     srv.URL,
		BearerToken: config.Secret("test-token"),
	}, nil)
	require.NoError(t, err)

	dead, err := NewDeadLetterLog(t.TempDir(), &secrets.NoopScrubber{}, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.BatchLinger = 10 * time.Millisecond
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffCap = 20 * time.Millisecond
	cfg.EnqueueBlock = 50 * time.Millisecond
	cfg.DrainTimeout = time.Second
	cfg.MaxAttempts = 3

	e := New(cfg, local, cloud, dead, nil)
	return e, local
}

func okBatchUpsertHandler(calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			Records []struct {
				ContentHash string `json:"content_hash"`
			} `json:"records"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		results := make([]map[string]string, len(body.Records))
		for i, rec := range body.Records {
			results[i] = map[string]string{"content_hash": rec.ContentHash}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	}
}

func TestEngine_EnqueueDeliversToCloud(t *testing.T) {
	var calls atomic.Int32
	e, _ := newTestEngine(t, okBatchUpsertHandler(&calls))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown(context.Background())

	m, err := memoryrecord.New("hello world", nil, "note", nil, []float32{1, 0, 0, 0}, 4)
	require.NoError(t, err)

	require.NoError(t, e.Enqueue(ctx, SyncOp{Type: OpCreate, Hash: m.ContentHash, Payload: m}))
	require.NoError(t, e.AwaitSyncIdle(ctx, time.Second))
	require.GreaterOrEqual(t, calls.Load(), int32(1))
	require.Equal(t, "closed", e.BreakerState())
}

func TestEngine_PauseSyncStagesWritesInBacklog(t *testing.T) {
	var calls atomic.Int32
	e, _ := newTestEngine(t, okBatchUpsertHandler(&calls))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown(context.Background())

	e.PauseSync()
	require.True(t, e.IsPaused())

	m, err := memoryrecord.New("paused content", nil, "note", nil, []float32{1, 0, 0, 0}, 4)
	require.NoError(t, err)
	require.NoError(t, e.Enqueue(ctx, SyncOp{Type: OpCreate, Hash: m.ContentHash, Payload: m}))

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(0), calls.Load())
	require.Equal(t, 0, e.QueueDepth())

	e.ResumeSync()
	require.False(t, e.IsPaused())
	require.NoError(t, e.AwaitSyncIdle(ctx, time.Second))
	require.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestEngine_RetriesThenDeadLettersOnPersistentFailure(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}
	e, _ := newTestEngine(t, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown(context.Background())

	m, err := memoryrecord.New("will fail forever", nil, "note", nil, []float32{1, 0, 0, 0}, 4)
	require.NoError(t, err)
	require.NoError(t, e.Enqueue(ctx, SyncOp{Type: OpCreate, Hash: m.ContentHash, Payload: m}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.DeadLetterCount() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, int64(1), e.DeadLetterCount())
}

func TestEngine_ShutdownDrainsRemainingQueueToDeadLetter(t *testing.T) {
	blocked := make(chan struct{})
	handler := func(w http.ResponseWriter, r *http.Request) {
		<-blocked
		w.WriteHeader(http.StatusInternalServerError)
	}
	e, _ := newTestEngine(t, handler)
	ctx := context.Background()

	m, err := memoryrecord.New("shutdown drain", nil, "note", nil, []float32{1, 0, 0, 0}, 4)
	require.NoError(t, err)
	// Enqueue directly on the live queue so it is present when Shutdown runs,
	// without starting the worker loop that would otherwise consume it.
	require.NoError(t, e.queue.Enqueue(SyncOp{Type: OpCreate, Hash: m.ContentHash, Payload: m}))
	close(blocked)

	require.NoError(t, e.Shutdown(ctx))
	require.Equal(t, int64(1), e.DeadLetterCount())
}
