package cascade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const notifyPath = "/api/federation/notify-revocation"

// HTTPNotifier posts revocation notices to a partner's API over HTTPS.
// Delivery is best effort: any non-2xx status or transport error is a
// non-fatal step failure recorded by the cascade, never raised further.
type HTTPNotifier struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPNotifier creates a notifier with the given request timeout
// (10 seconds in production).
func NewHTTPNotifier(timeout time.Duration, logger *zap.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (n *HTTPNotifier) NotifyRevocation(ctx context.Context, partnerAPIURL string, notice RevocationNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to encode revocation notice: %w", err)
	}

	url := strings.TrimSuffix(partnerAPIURL, "/") + notifyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build revocation notice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("revocation notice to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("revocation notice to %s returned status %d", url, resp.StatusCode)
	}

	n.logger.Info("Partner notified of revocation",
		zap.String("url", url),
		zap.String("enrollment_id", notice.EnrollmentID))
	return nil
}
