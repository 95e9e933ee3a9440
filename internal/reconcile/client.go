package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hivebot/botfleet/pkg/jwtutil"
)

// PeerError reports a failed credential push to a remote owning server.
type PeerError struct {
	// StatusCode is the HTTP status the peer answered with, or zero when
	// the request never completed.
	StatusCode int
	Reason     string
}

func (e *PeerError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("peer unreachable: %s", e.Reason)
	}
	return fmt.Sprintf("peer answered %d: %s", e.StatusCode, e.Reason)
}

// Transient reports whether the push may be retried. Validation rejections
// from the peer are final; network failures and server errors are not.
func (e *PeerError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// HTTPServerClient pushes credential updates to peer servers over their
// internal HTTP endpoint, authenticated with a peer JWT.
type HTTPServerClient struct {
	serverName string
	client     *http.Client
}

// NewHTTPServerClient creates a peer client identifying as this server.
func NewHTTPServerClient(serverName string, timeout time.Duration) *HTTPServerClient {
	return &HTTPServerClient{
		serverName: serverName,
		client:     &http.Client{Timeout: timeout},
	}
}

// PushUpdate submits the raw bundle to the owning server and returns the
// updated bot's id.
func (c *HTTPServerClient) PushUpdate(ctx context.Context, address string, raw []byte) (string, error) {
	token, err := jwtutil.GeneratePeerToken(c.serverName)
	if err != nil {
		return "", &PeerError{Reason: fmt.Sprintf("peer token: %v", err)}
	}

	url := strings.TrimRight(address, "/") + "/internal/reconcile/update"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", &PeerError{Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &PeerError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		reason := ReasonInternal
		var answer struct {
			Reason string `json:"reason"`
			Error  string `json:"error"`
		}
		if json.Unmarshal(body, &answer) == nil {
			if answer.Reason != "" {
				reason = answer.Reason
			} else if answer.Error != "" {
				reason = answer.Error
			}
		}
		return "", &PeerError{StatusCode: resp.StatusCode, Reason: reason}
	}

	var answer struct {
		BotID string `json:"bot_id"`
	}
	if err := json.Unmarshal(body, &answer); err != nil {
		return "", &PeerError{StatusCode: resp.StatusCode, Reason: "malformed peer response"}
	}
	return answer.BotID, nil
}
