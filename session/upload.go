package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"

	"meetscribe/snd"
)

// HTTPUploader performs the single best-effort archival transfer after a
// session ends: one POST of the raw container bytes, addressed by the
// server-assigned meeting identifier.
type HTTPUploader struct {
	BaseURL string
	Client  *http.Client
	Logger  *log.Logger
}

func NewHTTPUploader(baseURL string, logger *log.Logger) *HTTPUploader {
	return &HTTPUploader{
		BaseURL: baseURL,
		Client:  &http.Client{},
		Logger:  logger,
	}
}

func (u *HTTPUploader) Upload(ctx context.Context, meetingID string, blob []byte) error {
	url := fmt.Sprintf("%s/api/meetings/%s/audio", u.BaseURL, meetingID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", snd.ContentType)

	resp, err := u.Client.Do(req)
	if err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload audio: unexpected status %d", resp.StatusCode)
	}

	u.Logger.Info("audio archived", "meeting_id", meetingID, "bytes", len(blob))
	return nil
}
