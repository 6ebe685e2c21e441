package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QdrantStore keeps memories in a Qdrant collection through its REST API.
// Each point carries the user, text and creation time in its payload.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	collection string
	dimensions int
	embedder   Embedder
	client     *http.Client
}

// QdrantOption configures a QdrantStore.
type QdrantOption func(*QdrantStore)

// WithQdrantAPIKey sets the api-key header.
func WithQdrantAPIKey(key string) QdrantOption {
	return func(q *QdrantStore) { q.apiKey = key }
}

// WithQdrantHTTPClient overrides the HTTP client.
func WithQdrantHTTPClient(c *http.Client) QdrantOption {
	return func(q *QdrantStore) { q.client = c }
}

// WithQdrantDimensions sets the vector size used when the collection is
// created.
func WithQdrantDimensions(n int) QdrantOption {
	return func(q *QdrantStore) { q.dimensions = n }
}

// NewQdrantStore creates a Qdrant-backed store.
func NewQdrantStore(baseURL, collection string, embedder Embedder, opts ...QdrantOption) *QdrantStore {
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	q := &QdrantStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		dimensions: 1536,
		embedder:   embedder,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// qdrantStatus supports both `status: "ok"` and `status: {"error":"..."}`.
type qdrantStatus struct {
	State string
	Error string
}

func (s *qdrantStatus) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.State = strings.ToLower(v)
		return nil
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Error != "" {
		s.State = "error"
		s.Error = obj.Error
	}
	return nil
}

type qdrantEnvelope[T any] struct {
	Status qdrantStatus `json:"status"`
	Time   float64      `json:"time"`
	Result T            `json:"result"`
}

type qdrantPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

type qdrantCount struct {
	Count int `json:"count"`
}

// EnsureCollection creates the collection with cosine distance if it does not
// already exist.
func (q *QdrantStore) EnsureCollection(ctx context.Context) error {
	err := q.do(ctx, http.MethodGet, q.path(""), nil, nil)
	if err == nil {
		return nil
	}
	var herr *qdrantHTTPError
	if !errors.As(err, &herr) || herr.status != http.StatusNotFound {
		return fmt.Errorf("memory: qdrant: inspect collection: %w", err)
	}

	req := map[string]any{
		"vectors": map[string]any{"size": q.dimensions, "distance": "Cosine"},
	}
	if err := q.do(ctx, http.MethodPut, q.path(""), req, nil); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return nil
		}
		return fmt.Errorf("memory: qdrant: create collection: %w", err)
	}

	index := map[string]any{"field_name": "user_id", "field_schema": "keyword"}
	if err := q.do(ctx, http.MethodPut, q.path("/index"), index, nil); err != nil {
		return fmt.Errorf("memory: qdrant: create payload index: %w", err)
	}
	return nil
}

// Search implements Store.
func (q *QdrantStore) Search(ctx context.Context, userID, text string, topK int) ([]Item, error) {
	vec, err := q.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"vector":       vec,
		"limit":        topK,
		"with_payload": true,
		"filter":       userFilter(userID, time.Time{}),
	}
	var resp qdrantEnvelope[[]qdrantPoint]
	if err := q.do(ctx, http.MethodPost, q.path("/points/search"), req, &resp); err != nil {
		return nil, fmt.Errorf("memory: qdrant: search: %w", err)
	}

	items := make([]Item, 0, len(resp.Result))
	for _, p := range resp.Result {
		items = append(items, Item{
			ID:        parsePointID(p.ID),
			Text:      stringField(p.Payload, "text"),
			Score:     p.Score,
			Timestamp: timeField(p.Payload, "timestamp"),
			UserID:    stringField(p.Payload, "user_id"),
		})
	}
	return items, nil
}

// Upsert implements Store.
func (q *QdrantStore) Upsert(ctx context.Context, rec Record) error {
	vec, err := q.embedder.Embed(ctx, rec.Text)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	req := map[string]any{
		"points": []map[string]any{{
			"id":     rec.ID,
			"vector": vec,
			"payload": map[string]any{
				"user_id":   rec.UserID,
				"text":      rec.Text,
				"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
				"ts":        rec.Timestamp.Unix(),
			},
		}},
	}
	if err := q.do(ctx, http.MethodPut, q.path("/points?wait=true"), req, nil); err != nil {
		return fmt.Errorf("memory: qdrant: upsert: %w", err)
	}
	return nil
}

// Delete implements Store. Qdrant does not report how many points a filter
// removed, so the count is -1.
func (q *QdrantStore) Delete(ctx context.Context, userID string, before time.Time) (int, error) {
	req := map[string]any{"filter": userFilter(userID, before)}
	if err := q.do(ctx, http.MethodPost, q.path("/points/delete?wait=true"), req, nil); err != nil {
		return 0, fmt.Errorf("memory: qdrant: delete: %w", err)
	}
	return -1, nil
}

// Count implements Store.
func (q *QdrantStore) Count(ctx context.Context, userID string) (int, error) {
	req := map[string]any{"filter": userFilter(userID, time.Time{}), "exact": true}
	var resp qdrantEnvelope[qdrantCount]
	if err := q.do(ctx, http.MethodPost, q.path("/points/count"), req, &resp); err != nil {
		return 0, fmt.Errorf("memory: qdrant: count: %w", err)
	}
	return resp.Result.Count, nil
}

func (q *QdrantStore) path(suffix string) string {
	return "/collections/" + url.PathEscape(q.collection) + suffix
}

func userFilter(userID string, before time.Time) map[string]any {
	must := []map[string]any{
		{"key": "user_id", "match": map[string]any{"value": userID}},
	}
	if !before.IsZero() {
		must = append(must, map[string]any{"key": "ts", "range": map[string]any{"lt": before.Unix()}})
	}
	return map[string]any{"must": must}
}

type qdrantHTTPError struct {
	status int
	body   string
}

func (e *qdrantHTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

func (q *QdrantStore) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 400 {
		return &qdrantHTTPError{status: resp.StatusCode, body: strings.TrimSpace(string(payload))}
	}

	var env qdrantEnvelope[json.RawMessage]
	if err := json.Unmarshal(payload, &env); err == nil && env.Status.Error != "" {
		return errors.New(env.Status.Error)
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func parsePointID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return string(raw)
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func timeField(payload map[string]any, key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, stringField(payload, key))
	if err != nil {
		return time.Time{}
	}
	return t
}
