// Package faceswap talks to the external face AI provider. The provider
// exposes asynchronous task endpoints: a job is submitted, polled until it
// reports completion, and its result image downloaded. Face detection is a
// synchronous call returning bounding boxes and embeddings.
package faceswap

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"
)

// Face is a detected face within an image.
type Face struct {
	Box        image.Rectangle
	Embedding  []float32
	Confidence float64
}

// Provider is the face AI surface the book pipeline depends on. Tests
// substitute a local fake.
type Provider interface {
	// DetectFaces finds faces in an image.
	DetectFaces(ctx context.Context, img []byte) ([]Face, error)
	// Swap renders the source person's face onto the target image and
	// returns the resulting image.
	Swap(ctx context.Context, sourcePhoto, targetImage []byte) ([]byte, error)
	// Cartoonify restyles a photo as an illustration.
	Cartoonify(ctx context.Context, photo []byte) ([]byte, error)
}

// Config carries the provider settings. Read through a closure so admin
// config updates take effect without a restart.
type Config struct {
	Endpoint     string
	APIKey       string
	PollInterval time.Duration
	MaxPolls     int
}

// Client is the HTTP implementation of Provider.
type Client struct {
	cfg        func() Config
	httpClient *http.Client
}

// NewClient creates a provider client. httpClient may be nil, in which case
// a client with a 60s request timeout is used (task waits are bounded by
// the poll budget, not the per-request timeout).
func NewClient(cfg func() Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

type taskResponse struct {
	Data struct {
		TaskID    string `json:"taskId"`
		Status    int    `json:"status"`
		ResultURL string `json:"resultUrl"`
		Message   string `json:"message"`
	} `json:"data"`
}

type detectResponse struct {
	Data struct {
		Faces []struct {
			Box struct {
				X int `json:"x"`
				Y int `json:"y"`
				W int `json:"w"`
				H int `json:"h"`
			} `json:"box"`
			Embedding  []float32 `json:"embedding"`
			Confidence float64   `json:"confidence"`
		} `json:"faces"`
	} `json:"data"`
}

// Task status values reported by the provider.
const (
	statusDone   = 1
	statusFailed = -1
)

// DetectFaces implements Provider.
func (c *Client) DetectFaces(ctx context.Context, img []byte) ([]Face, error) {
	payload := map[string]string{"imageUrl": dataURI(img)}

	var resp detectResponse
	if err := c.postJSON(ctx, "/facedetect", payload, &resp); err != nil {
		return nil, fmt.Errorf("face detection: %w", err)
	}

	faces := make([]Face, 0, len(resp.Data.Faces))
	for _, f := range resp.Data.Faces {
		faces = append(faces, Face{
			Box:        image.Rect(f.Box.X, f.Box.Y, f.Box.X+f.Box.W, f.Box.Y+f.Box.H),
			Embedding:  f.Embedding,
			Confidence: f.Confidence,
		})
	}
	return faces, nil
}

// Swap implements Provider. The task runs server-side; the call blocks
// until the result is ready or the poll budget runs out.
func (c *Client) Swap(ctx context.Context, sourcePhoto, targetImage []byte) ([]byte, error) {
	payload := map[string]string{
		"userImageUrl":     dataURI(sourcePhoto),
		"templateImageUrl": dataURI(targetImage),
	}
	return c.runTask(ctx, "/faceswap", payload)
}

// Cartoonify implements Provider.
func (c *Client) Cartoonify(ctx context.Context, photo []byte) ([]byte, error) {
	payload := map[string]string{"imageUrl": dataURI(photo)}
	return c.runTask(ctx, "/cartoonify", payload)
}

// runTask submits a task, polls until completion, and downloads the result.
func (c *Client) runTask(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	cfg := c.cfg()

	var submitted taskResponse
	if err := c.postJSON(ctx, path, payload, &submitted); err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	if submitted.Data.TaskID == "" {
		return nil, fmt.Errorf("submit task: provider returned no task id")
	}
	taskID := submitted.Data.TaskID

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 30
	}

	for attempt := 0; attempt < maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		var status taskResponse
		if err := c.getJSON(ctx, "/tasks/"+taskID, &status); err != nil {
			return nil, fmt.Errorf("poll task %s: %w", taskID, err)
		}

		switch status.Data.Status {
		case statusDone:
			if status.Data.ResultURL == "" {
				return nil, fmt.Errorf("task %s completed without a result url", taskID)
			}
			return c.download(ctx, status.Data.ResultURL)
		case statusFailed:
			msg := status.Data.Message
			if msg == "" {
				msg = "unknown error"
			}
			return nil, fmt.Errorf("task %s failed: %s", taskID, msg)
		}
	}
	return nil, fmt.Errorf("task %s timed out after %d polls", taskID, maxPolls)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	cfg := c.cfg()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	cfg := c.cfg()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Endpoint+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// download fetches a result image from the provider's storage.
func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	cfg := c.cfg()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download result: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download result: empty body")
	}
	return data, nil
}

// dataURI embeds image bytes as a base64 data URI, sniffing the format
// from the magic bytes.
func dataURI(img []byte) string {
	mime := "image/jpeg"
	if len(img) >= 8 && bytes.Equal(img[:8], []byte("\x89PNG\r\n\x1a\n")) {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img)
}
