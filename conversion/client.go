package conversion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/models"
	"github.com/sirupsen/logrus"
)

const statusProcessing = "processing"

type Config struct {
	URL     string
	Bucket  string
	Timeout time.Duration
}

type request struct {
	S3Bucket string `json:"s3_bucket"`
	S3Key    string `json:"s3_key"`
}

type response struct {
	ConvertedVideoURL string `json:"converted_video_url"`
	Status            string `json:"status"`
	Error             string `json:"error"`
}

// Client talks to the style-conversion worker. The worker is idempotent per
// key: it returns the finished URL, or "processing" while a conversion for the
// key is running.
type Client struct {
	cfg    Config
	client *http.Client
	logger *logrus.Entry
}

func NewClient(cfg Config, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		cfg:    cfg,
		client: httpClient,
		logger: logger.WithField("component", "conversion.Client"),
	}
}

// Submit asks the worker about h's content key. Any failure is transient.
func (c *Client) Submit(ctx context.Context, h models.JobHandle) (models.JobStatus, error) {
	return c.Convert(ctx, h.ContentKey)
}

func (c *Client) Convert(ctx context.Context, key string) (models.JobStatus, error) {
	const op = "conversion.Convert"

	body, err := json.Marshal(request{S3Bucket: c.cfg.Bucket, S3Key: key})
	if err != nil {
		return models.JobStatus{}, errors.Internal(op, err, "Failed to encode conversion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return models.JobStatus{}, errors.Internal(op, err, "Failed to build conversion request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return models.JobStatus{}, errors.Transient(op, err, "Conversion service unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.JobStatus{}, errors.Transient(op, err, "Failed to read conversion response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WithFields(logrus.Fields{
			"key":    key,
			"status": resp.StatusCode,
		}).Warn("Conversion service returned an error")
		return models.JobStatus{}, errors.Transient(
			op,
			fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw)),
			"Conversion failed",
		)
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.JobStatus{}, errors.Transient(op, err, "Malformed conversion response")
	}

	switch {
	case out.ConvertedVideoURL != "":
		c.logger.WithField("key", key).Info("Conversion completed")
		return models.Completed(out.ConvertedVideoURL), nil
	case out.Status == statusProcessing:
		return models.InProgress(""), nil
	default:
		return models.JobStatus{}, errors.Transient(
			op,
			fmt.Errorf("unexpected response body: %s", bytes.TrimSpace(raw)),
			"Unexpected conversion response",
		)
	}
}
