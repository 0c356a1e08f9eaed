// File path: internal/vector/chromadb.go
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/theme"
)

// Client talks to a ChromaDB collection holding conversation embeddings. It
// narrows semantic orphan pooling from brute-force pairwise comparison to a
// neighborhood lookup. The client degrades gracefully: an unreachable server
// leaves it unavailable rather than failing construction.
type Client struct {
	httpClient *http.Client

	baseURL      string
	collection   string
	collectionID string
	available    bool
	apiKey       string

	mu sync.RWMutex
}

func NewFromEnv(ctx context.Context) (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// New constructs a client using the provided configuration.
func New(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()
	baseURL := fmt.Sprintf("%s://%s:%s/api/v1", cfg.Scheme, cfg.Host, cfg.Port)
	logger := common.Logger()
	logger.Info("vector: initializing chromadb client",
		"host", cfg.Host, "port", cfg.Port, "collection", cfg.Collection, "timeout", cfg.Timeout)

	client := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: cfg.Collection,
		apiKey:     cfg.APIKey,
	}
	if err := client.ensureReady(ctx); err != nil {
		logger.Warn("vector: chromadb initialization failed", "collection", cfg.Collection, "error", err)
		return client, nil
	}
	logger.Info("vector: chromadb connection established")
	return client, nil
}

func (c *Client) Available() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

func (c *Client) ensureReady(ctx context.Context) error {
	if c == nil {
		return errors.New("chromadb client not configured")
	}
	c.mu.RLock()
	ready := c.available && c.collectionID != ""
	c.mu.RUnlock()
	if ready {
		return nil
	}
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = c.health(ctx)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 250 * time.Millisecond):
		}
	}
	if err != nil {
		return err
	}
	if err := c.ensureCollectionID(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.available = true
	c.mu.Unlock()
	return nil
}

// UpsertEmbeddings indexes the run's classification embeddings so later runs
// can pool orphans against them. Records without embeddings are skipped.
func (c *Client) UpsertEmbeddings(ctx context.Context, records []theme.ThemeRecord) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	ids := make([]string, 0, len(records))
	embeddings := make([][]float32, 0, len(records))
	documents := make([]string, 0, len(records))
	metadatas := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) == 0 {
			continue
		}
		ids = append(ids, rec.ConversationID)
		embeddings = append(embeddings, rec.Embedding)
		documents = append(documents, rec.Excerpt)
		metadatas = append(metadatas, map[string]interface{}{
			"signature": rec.Signature,
			"run_id":    rec.RunID,
		})
	}
	if len(ids) == 0 {
		return nil
	}
	payload := map[string]interface{}{
		"ids":        ids,
		"documents":  documents,
		"metadatas":  metadatas,
		"embeddings": embeddings,
	}
	endpoint := fmt.Sprintf("%s/collections/%s/upsert", c.baseURL, url.PathEscape(c.currentCollectionID()))
	if err := c.doRequest(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
		if errors.Is(err, errNotFound) {
			fallback := fmt.Sprintf("%s/collections/%s/add", c.baseURL, url.PathEscape(c.currentCollectionID()))
			return c.doRequest(ctx, http.MethodPost, fallback, payload, nil)
		}
		return err
	}
	return nil
}

// Neighbors returns the ids of the conversations semantically closest to the
// embedding. Implements the orphan accumulator's similarity index.
func (c *Client) Neighbors(ctx context.Context, embedding []float32, limit int) ([]string, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 16
	}
	body := map[string]interface{}{
		"query_embeddings": [][]float32{embedding},
		"n_results":        limit,
	}
	endpoint := fmt.Sprintf("%s/collections/%s/query", c.baseURL, url.PathEscape(c.currentCollectionID()))
	var resp struct {
		IDs [][]string `json:"ids"`
	}
	if err := c.doRequest(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}
	return resp.IDs[0], nil
}

func (c *Client) currentCollectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collectionID
}

func (c *Client) ensureCollectionID(ctx context.Context) error {
	c.mu.RLock()
	if c.collectionID != "" {
		c.mu.RUnlock()
		return nil
	}
	name := c.collection
	c.mu.RUnlock()

	id, err := c.findCollection(ctx, name)
	if err != nil {
		return err
	}
	if id == "" {
		id, err = c.createCollection(ctx, name)
		if err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.collectionID = id
	c.mu.Unlock()
	return nil
}

func (c *Client) findCollection(ctx context.Context, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/collections?name=%s", c.baseURL, url.QueryEscape(name))
	var resp struct {
		Collections []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"collections"`
	}
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		if errors.Is(err, errNotFound) {
			return "", nil
		}
		// Fallback to enumerating collections when the name filter is unsupported.
		endpoint = fmt.Sprintf("%s/collections", c.baseURL)
		if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
			return "", err
		}
	}
	for _, col := range resp.Collections {
		if strings.EqualFold(col.Name, name) {
			return col.ID, nil
		}
	}
	return "", nil
}

func (c *Client) createCollection(ctx context.Context, name string) (string, error) {
	payload := map[string]interface{}{"name": name}
	endpoint := fmt.Sprintf("%s/collections", c.baseURL)
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, endpoint, payload, &resp); err != nil {
		if errors.Is(err, errConflict) {
			return c.findCollection(ctx, name)
		}
		return "", err
	}
	return resp.ID, nil
}

var (
	errNotFound = errors.New("resource not found")
	errConflict = errors.New("resource conflict")
)

func (c *Client) health(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/heartbeat", c.baseURL)
	return c.doRequest(ctx, http.MethodGet, endpoint, nil, nil)
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	if c == nil {
		return errors.New("chromadb client not configured")
	}
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode == http.StatusConflict {
		return errConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chromadb %s %s failed: %s", method, endpoint, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Close releases pooled resources associated with the client.
func (c *Client) Close() error {
	if c == nil || c.httpClient == nil {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
