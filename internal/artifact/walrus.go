package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/nonce-ns/connectsphere-soundness-poc/internal/observability"
)

const (
	DefaultWalrusPublisher  = "https://publisher.walrus-testnet.walrus.space"
	DefaultWalrusAggregator = "https://aggregator.walrus-testnet.walrus.space"
	DefaultWalrusEpochs     = 5

	uploadAttempts = 3
	retryBaseDelay = 500 * time.Millisecond
)

type WalrusConfig struct {
	PublisherURL  string
	AggregatorURL string
	Epochs        int
	HTTPClient    *http.Client
	Metrics       *observability.Registry
}

// WalrusStore publishes blobs through a Walrus publisher and reads them back
// through an aggregator.
type WalrusStore struct {
	cfg WalrusConfig
}

func NewWalrusStore(cfg WalrusConfig) *WalrusStore {
	if cfg.PublisherURL == "" {
		cfg.PublisherURL = DefaultWalrusPublisher
	}
	if cfg.AggregatorURL == "" {
		cfg.AggregatorURL = DefaultWalrusAggregator
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = DefaultWalrusEpochs
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.Default
	}
	cfg.PublisherURL = strings.TrimRight(cfg.PublisherURL, "/")
	cfg.AggregatorURL = strings.TrimRight(cfg.AggregatorURL, "/")
	return &WalrusStore{cfg: cfg}
}

type walrusUploadResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			BlobID string `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified"`
}

func (w *WalrusStore) Upload(ctx context.Context, data []byte, kind string) (string, error) {
	url := fmt.Sprintf("%s/v1/blobs?epochs=%d", w.cfg.PublisherURL, w.cfg.Epochs)

	var lastErr error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		blobID, err := w.tryUpload(ctx, url, data)
		if err == nil {
			w.cfg.Metrics.IncCounter("walrus_upload_total", map[string]string{"kind": kind, "outcome": "success"}, 1)
			log.Printf("walrus: uploaded %s blob id=%s size=%d", kind, blobID, len(data))
			return blobID, nil
		}
		lastErr = err
		w.cfg.Metrics.IncCounter("walrus_upload_total", map[string]string{"kind": kind, "outcome": "retry"}, 1)
		if attempt < uploadAttempts {
			log.Printf("walrus: upload attempt %d/%d for %s failed: %v", attempt, uploadAttempts, kind, err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryBaseDelay * time.Duration(attempt)):
			}
		}
	}
	w.cfg.Metrics.IncCounter("walrus_upload_total", map[string]string{"kind": kind, "outcome": "failed"}, 1)
	return "", fmt.Errorf("walrus upload of %s failed after %d attempts: %w", kind, uploadAttempts, lastErr)
}

func (w *WalrusStore) tryUpload(ctx context.Context, url string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("publisher returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed walrusUploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode publisher response: %w", err)
	}
	switch {
	case parsed.NewlyCreated != nil && parsed.NewlyCreated.BlobObject.BlobID != "":
		return parsed.NewlyCreated.BlobObject.BlobID, nil
	case parsed.AlreadyCertified != nil && parsed.AlreadyCertified.BlobID != "":
		return parsed.AlreadyCertified.BlobID, nil
	default:
		return "", fmt.Errorf("publisher response carries no blob id")
	}
}

func (w *WalrusStore) Download(ctx context.Context, blobID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.blobURL(blobID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("walrus download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("walrus download of %s: status %d", blobID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (w *WalrusStore) Exists(ctx context.Context, blobID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.blobURL(blobID), nil)
	if err != nil {
		return false, err
	}
	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("walrus head: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("walrus head of %s: status %d", blobID, resp.StatusCode)
	}
}

// Ping reports reachability of both endpoints. The publisher may reject GET
// on its upload path and the aggregator has no blob named "test"; both still
// prove the endpoint answers.
func (w *WalrusStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var problems []string
	if err := w.probe(ctx, http.MethodGet, w.cfg.PublisherURL+"/ping", http.StatusMethodNotAllowed); err != nil {
		problems = append(problems, fmt.Sprintf("publisher: %v", err))
	}
	if err := w.probe(ctx, http.MethodHead, w.blobURL("test"), http.StatusNotFound); err != nil {
		problems = append(problems, fmt.Sprintf("aggregator: %v", err))
	}
	if len(problems) > 0 {
		return fmt.Errorf("walrus connectivity: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (w *WalrusStore) probe(ctx context.Context, method, url string, alsoOK int) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == alsoOK {
		return nil
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

func (w *WalrusStore) blobURL(blobID string) string {
	return w.cfg.AggregatorURL + "/v1/blobs/" + blobID
}
