// Package cloudstore implements the remote backend: an HTTP REST client
// against a hosted SQL + vector index API, with per-record size limits
// and batch upsert/delete for the sync engine.
package cloudstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/memoryd/engine/internal/config"
	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/memoryd/engine/internal/metadatacodec"
	"github.com/memoryd/engine/internal/qdrant"
	"github.com/memoryd/engine/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxContentChars and MaxMetadataBytes are the cloud record size limits.
// Values passed via Config override these defaults.
const (
	DefaultMaxContentChars  = 5000
	DefaultMaxMetadataBytes = 10 * 1024
)

// Config configures the CloudStore's HTTP client.
type Config struct {
	BaseURL          string
	BearerToken      config.Secret
	RequestTimeout   time.Duration
	MaxContentChars  int
	MaxMetadataBytes int
	// RequestsPerSecond caps outbound request rate to the cloud API,
	// independent of the sync engine's own batching/backoff. Zero uses
	// DefaultRequestsPerSecond.
	RequestsPerSecond float64

	// VectorIndex, when set, mirrors writes into a directly-connected
	// Qdrant collection alongside the REST API. Optional: nil disables
	// mirroring and Store behaves exactly like the REST-only backend.
	VectorIndex      qdrant.Client
	VectorCollection string
}

// DefaultRequestsPerSecond throttles outbound calls to a level a small
// hosted API can sustain from a single sync engine without tripping its
// own rate limiter.
const DefaultRequestsPerSecond = 20.0

// Store is the HTTP-backed implementation of storage.Store. It never
// logs the bearer token; Config.BearerToken's Stringer redacts it and
// Store only ever calls .Value() to build the Authorization header.
type Store struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	limiter    *rate.Limiter
}

// New constructs a CloudStore client. BaseURL and a non-empty bearer token
// are required.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base_url is required", storage.ErrValidation)
	}
	if !cfg.BearerToken.IsSet() {
		return nil, fmt.Errorf("%w: bearer_token is required", storage.ErrValidation)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = DefaultMaxContentChars
	}
	if cfg.MaxMetadataBytes <= 0 {
		cfg.MaxMetadataBytes = DefaultMaxMetadataBytes
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
	}, nil
}

// wire is the JSON shape exchanged with the remote API. Metadata travels
// as the gzip+short-token encoded form from internal/metadatacodec.
type wireRecord struct {
	ContentHash     string    `json:"content_hash"`
	Content         string    `json:"content"`
	MemoryType      string    `json:"memory_type"`
	Tags            []string  `json:"tags"`
	MetadataEncoded []byte    `json:"metadata_encoded"`
	Embedding       []float32 `json:"embedding,omitempty"`
	CreatedAt       int64     `json:"created_at"`
	UpdatedAt       int64     `json:"updated_at"`
}

// ItemResult reports the per-item outcome of a batch call.
type ItemResult struct {
	ContentHash string
	Err         error
}

// ValidateSize rejects a memory whose content or metadata exceeds the
// cloud's per-record limits before it is ever sent over the wire.
func (s *Store) ValidateSize(m *memoryrecord.Memory) error {
	if len(m.Content) > s.cfg.MaxContentChars {
		return fmt.Errorf("%w: content is %d chars, limit %d", storage.ErrPayloadTooLarge, len(m.Content), s.cfg.MaxContentChars)
	}
	encoded, err := metadatacodec.Encode(m.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encoding metadata: %v", storage.ErrValidation, err)
	}
	if len(encoded) > s.cfg.MaxMetadataBytes {
		return fmt.Errorf("%w: metadata is %d bytes, limit %d", storage.ErrPayloadTooLarge, len(encoded), s.cfg.MaxMetadataBytes)
	}
	return nil
}

func toWire(m *memoryrecord.Memory) (wireRecord, error) {
	encoded, err := metadatacodec.Encode(m.Metadata)
	if err != nil {
		return wireRecord{}, err
	}
	return wireRecord{
		ContentHash:     m.ContentHash,
		Content:         m.Content,
		MemoryType:      m.MemoryType,
		Tags:            m.Tags,
		MetadataEncoded: encoded,
		Embedding:       m.Embedding,
		CreatedAt:       m.CreatedAt.Unix(),
		UpdatedAt:       m.UpdatedAt.Unix(),
	}, nil
}

func fromWire(w wireRecord) (*memoryrecord.Memory, error) {
	meta, err := metadatacodec.Decode(w.MetadataEncoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding metadata: %v", storage.ErrStorageCorruption, err)
	}
	return &memoryrecord.Memory{
		ContentHash: w.ContentHash,
		Content:     w.Content,
		MemoryType:  w.MemoryType,
		Tags:        w.Tags,
		Metadata:    meta,
		Embedding:   w.Embedding,
		CreatedAt:   time.Unix(w.CreatedAt, 0).UTC(),
		UpdatedAt:   time.Unix(w.UpdatedAt, 0).UTC(),
	}, nil
}

// Store upserts a single memory. Cloud semantics treat a repeat of the
// same content_hash as an update, not a conflict, so inserted is reported
// true only when the remote confirms a fresh row.
func (s *Store) Store(ctx context.Context, m *memoryrecord.Memory) (bool, string, error) {
	if err := s.ValidateSize(m); err != nil {
		return false, "", err
	}
	results, err := s.UpsertBatch(ctx, []*memoryrecord.Memory{m})
	if err != nil {
		return false, "", err
	}
	if len(results) == 0 || results[0].Err != nil {
		if len(results) > 0 {
			return false, "", results[0].Err
		}
		return false, "", fmt.Errorf("%w: empty response", storage.ErrTransient)
	}
	return true, m.ContentHash, nil
}

// UpsertBatch writes multiple memories. It first attempts a single
// all-or-nothing batch request; if the batch endpoint reports a partial
// failure, it falls back to retrying each item individually so one bad
// record does not block the rest of the batch.
func (s *Store) UpsertBatch(ctx context.Context, memories []*memoryrecord.Memory) ([]ItemResult, error) {
	if len(memories) == 0 {
		return nil, nil
	}

	wireRecords := make([]wireRecord, 0, len(memories))
	for _, m := range memories {
		if err := s.ValidateSize(m); err != nil {
			return nil, err
		}
		w, err := toWire(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
		}
		wireRecords = append(wireRecords, w)
	}

	var resp struct {
		Results []struct {
			ContentHash string `json:"content_hash"`
			Error       string `json:"error,omitempty"`
		} `json:"results"`
	}
	err := s.doWithRetry(ctx, http.MethodPost, "/v1/memories:batchUpsert", struct {
		Records []wireRecord `json:"records"`
	}{Records: wireRecords}, &resp)

	var out []ItemResult
	if err == nil {
		out = make([]ItemResult, len(resp.Results))
		anyFailed := false
		for i, r := range resp.Results {
			if r.Error != "" {
				out[i] = ItemResult{ContentHash: r.ContentHash, Err: fmt.Errorf("%w: %s", storage.ErrTransient, r.Error)}
				anyFailed = true
			} else {
				out[i] = ItemResult{ContentHash: r.ContentHash}
			}
		}
		if anyFailed {
			// Fall through to per-item retry only for the failed subset.
			out = s.retryIndividually(ctx, memories, out)
		}
	} else {
		s.logger.Warn("batch upsert failed, falling back to per-item retry", zap.Error(err))
		out = s.retryIndividually(ctx, memories, nil)
	}

	s.mirrorUpsertToVectorIndex(ctx, memories, out)
	return out, nil
}

func (s *Store) retryIndividually(ctx context.Context, memories []*memoryrecord.Memory, prior []ItemResult) []ItemResult {
	out := make([]ItemResult, len(memories))
	for i, m := range memories {
		if prior != nil && i < len(prior) && prior[i].Err == nil {
			out[i] = prior[i]
			continue
		}
		w, err := toWire(m)
		if err != nil {
			out[i] = ItemResult{ContentHash: m.ContentHash, Err: fmt.Errorf("%w: %v", storage.ErrValidation, err)}
			continue
		}
		var single struct {
			ContentHash string `json:"content_hash"`
		}
		err = s.doWithRetry(ctx, http.MethodPost, "/v1/memories", w, &single)
		out[i] = ItemResult{ContentHash: m.ContentHash, Err: err}
	}
	return out
}

// DeleteBatch removes memories by content hash, in cloud-first order:
// each hash's cloud deletion must succeed before it is reported as
// deleted, so a caller (HybridStore) only deletes locally after the
// cloud side confirms.
func (s *Store) DeleteBatch(ctx context.Context, hashes []string) ([]ItemResult, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	var resp struct {
		Results []struct {
			ContentHash string `json:"content_hash"`
			Error       string `json:"error,omitempty"`
		} `json:"results"`
	}
	err := s.doWithRetry(ctx, http.MethodPost, "/v1/memories:batchDelete", struct {
		ContentHashes []string `json:"content_hashes"`
	}{ContentHashes: hashes}, &resp)
	if err != nil {
		out := make([]ItemResult, len(hashes))
		for i, h := range hashes {
			out[i] = ItemResult{ContentHash: h, Err: err}
		}
		return out, nil
	}
	out := make([]ItemResult, len(resp.Results))
	for i, r := range resp.Results {
		var e error
		if r.Error != "" {
			e = fmt.Errorf("%w: %s", storage.ErrTransient, r.Error)
		}
		out[i] = ItemResult{ContentHash: r.ContentHash, Err: e}
	}
	s.mirrorDeleteFromVectorIndex(ctx, out)
	return out, nil
}

// mirrorUpsertToVectorIndex keeps an optional direct Qdrant collection in
// sync with every memory the REST API confirmed. It is a redundant index
// for callers that want gRPC-speed vector search against the cloud
// backend instead of the REST searchSemantic endpoint; failures here are
// logged, not returned, since the REST store already succeeded and is the
// source of truth.
func (s *Store) mirrorUpsertToVectorIndex(ctx context.Context, memories []*memoryrecord.Memory, results []ItemResult) {
	if s.cfg.VectorIndex == nil {
		return
	}
	ok := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Err == nil {
			ok[r.ContentHash] = true
		}
	}
	points := make([]*qdrant.Point, 0, len(memories))
	for _, m := range memories {
		if !ok[m.ContentHash] || len(m.Embedding) == 0 {
			continue
		}
		points = append(points, &qdrant.Point{
			ID:     m.ContentHash,
			Vector: m.Embedding,
			Payload: map[string]interface{}{
				"memory_type": m.MemoryType,
				"tags":        m.Tags,
			},
		})
	}
	if len(points) == 0 {
		return
	}
	if err := s.cfg.VectorIndex.Upsert(ctx, s.cfg.VectorCollection, points); err != nil {
		s.logger.Warn("cloudstore: vector index mirror upsert failed", zap.Error(err))
	}
}

// mirrorDeleteFromVectorIndex removes confirmed-deleted hashes from the
// optional direct Qdrant collection.
func (s *Store) mirrorDeleteFromVectorIndex(ctx context.Context, results []ItemResult) {
	if s.cfg.VectorIndex == nil {
		return
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			ids = append(ids, r.ContentHash)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := s.cfg.VectorIndex.Delete(ctx, s.cfg.VectorCollection, ids); err != nil {
		s.logger.Warn("cloudstore: vector index mirror delete failed", zap.Error(err))
	}
}

// Get retrieves a memory by content hash.
func (s *Store) Get(ctx context.Context, hash string) (*memoryrecord.Memory, error) {
	var w wireRecord
	err := s.doWithRetry(ctx, http.MethodGet, "/v1/memories/"+hash, nil, &w)
	if err != nil {
		return nil, err
	}
	if w.ContentHash == "" {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, hash)
	}
	return fromWire(w)
}

// SearchSemantic delegates to the remote vector index.
func (s *Store) SearchSemantic(ctx context.Context, query string, k int, filters storage.Filters) ([]storage.Scored, error) {
	if k > 100 {
		k = 100
	}
	var resp struct {
		Results []struct {
			Record wireRecord `json:"record"`
			Score  float32    `json:"score"`
		} `json:"results"`
	}
	err := s.doWithRetry(ctx, http.MethodPost, "/v1/memories:searchSemantic", struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}{Query: query, K: k}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Scored, 0, len(resp.Results))
	for _, r := range resp.Results {
		m, err := fromWire(r.Record)
		if err != nil {
			continue
		}
		out = append(out, storage.Scored{Memory: *m, Score: r.Score})
	}
	return out, nil
}

// SearchByTags is not exposed by the cloud API; tag search is a
// LocalStore-only operation (HybridStore routes reads to LocalStore,
// which holds the full tag index).
func (s *Store) SearchByTags(ctx context.Context, tags []string, match storage.TagMatch, filters storage.Filters) ([]memoryrecord.Memory, error) {
	return nil, fmt.Errorf("%w: tag search is local-only", storage.ErrValidation)
}

// SearchTimeRange is likewise local-only.
func (s *Store) SearchTimeRange(ctx context.Context, start, end time.Time) ([]memoryrecord.Memory, error) {
	return nil, fmt.Errorf("%w: time-range search is local-only", storage.ErrValidation)
}

// UpdateMetadata patches a single record's metadata remotely.
func (s *Store) UpdateMetadata(ctx context.Context, hash string, patch memoryrecord.Metadata) (bool, error) {
	encoded, err := metadatacodec.Encode(patch)
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	var resp struct {
		Updated bool `json:"updated"`
	}
	err = s.doWithRetry(ctx, http.MethodPatch, "/v1/memories/"+hash, struct {
		MetadataPatchEncoded []byte `json:"metadata_patch_encoded"`
	}{MetadataPatchEncoded: encoded}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Updated, nil
}

// Delete removes memories by content hash only; the cloud API does not
// support server-side tag/time filters (those require the full local
// index), so callers must resolve a DeleteFilter to hashes first.
func (s *Store) Delete(ctx context.Context, filter storage.DeleteFilter) ([]string, error) {
	if filter.ContentHash == "" {
		return nil, fmt.Errorf("%w: cloud delete requires an explicit content hash", storage.ErrValidation)
	}
	results, err := s.DeleteBatch(ctx, []string{filter.ContentHash})
	if err != nil {
		return nil, err
	}
	if len(results) > 0 && results[0].Err != nil {
		return nil, results[0].Err
	}
	return []string{filter.ContentHash}, nil
}

// ListPage is one page of the drift-scanner's hash+updated_at listing.
type ListPage struct {
	Items      []ListItem
	NextCursor string
}

// ListItem is a single row of the lightweight hash+updated_at listing
// used by the drift scanner to detect divergence without pulling full
// records.
type ListItem struct {
	ContentHash string
	UpdatedAt   time.Time
}

// ListUpdatedSince returns a page of records updated at or after since,
// ordered by updated_at ascending, for the drift scanner and startup sync.
func (s *Store) ListUpdatedSince(ctx context.Context, since time.Time, cursor string, pageSize int) (ListPage, error) {
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 100
	}
	var resp struct {
		Items []struct {
			ContentHash string `json:"content_hash"`
			UpdatedAt   int64  `json:"updated_at"`
		} `json:"items"`
		NextCursor string `json:"next_cursor"`
	}
	path := fmt.Sprintf("/v1/memories:listUpdatedSince?since=%d&cursor=%s&page_size=%d", since.Unix(), cursor, pageSize)
	if err := s.doWithRetry(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return ListPage{}, err
	}
	items := make([]ListItem, len(resp.Items))
	for i, it := range resp.Items {
		items[i] = ListItem{ContentHash: it.ContentHash, UpdatedAt: time.Unix(it.UpdatedAt, 0).UTC()}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.Before(items[j].UpdatedAt) })
	return ListPage{Items: items, NextCursor: resp.NextCursor}, nil
}

// Health reports the remote API's reachability.
func (s *Store) Health(ctx context.Context) (storage.Health, error) {
	var resp struct {
		MemoryCount int64 `json:"memory_count"`
	}
	if err := s.doWithRetry(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return storage.Health{Status: "error", Backend: "cloud"}, err
	}
	h := storage.Health{Status: "healthy", Backend: "cloud", MemoryCount: resp.MemoryCount}
	if s.cfg.VectorIndex != nil {
		if err := s.cfg.VectorIndex.Health(ctx); err != nil {
			s.logger.Warn("cloudstore: vector index health check failed", zap.Error(err))
			h.Status = "degraded"
		}
	}
	return h, nil
}

// doWithRetry performs an HTTP round trip with exponential backoff on
// transient failures, in the style of a Turso-style pipeline client:
// a handful of short retries before surfacing the error to the caller.
func (s *Store) doWithRetry(ctx context.Context, method, path string, body, out interface{}) error {
	const maxAttempts = 3
	baseDelay := 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := s.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: after %d attempts: %v", storage.ErrTransient, maxAttempts, lastErr)
}

func isRetryable(err error) bool {
	var httpErr *httpStatusError
	if ok := asHTTPStatusError(err, &httpErr); ok {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return true // network-level errors are retried
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("cloudstore: http %d: %s", e.StatusCode, e.Body)
}

func asHTTPStatusError(err error, target **httpStatusError) bool {
	if he, ok := err.(*httpStatusError); ok {
		*target = he
		return true
	}
	return false
}

func (s *Store) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", storage.ErrTransient, err)
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshaling request: %v", storage.ErrValidation, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", storage.ErrValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.BearerToken.Value())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", storage.ErrTransient, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	if resp.StatusCode >= 400 {
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", storage.ErrTransient, err)
		}
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
