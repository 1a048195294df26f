// Package notify delivers best-effort webhook messages for noteworthy
// pipeline events. Delivery is fire-and-forget: failures are logged and
// never propagate into the engine.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shelfsync/shelfsync/internal/storage"
	"github.com/shelfsync/shelfsync/internal/timeouts"
)

// noteworthy lists the transitions worth a message; queue/active churn
// stays out of the channel.
var noteworthy = map[storage.Status]string{
	storage.StatusDetailComplete:   "detail fetched",
	storage.StatusSearchComplete:   "match found",
	storage.StatusSearchNoResults:  "no match found",
	storage.StatusDownloadComplete: "downloaded",
	storage.StatusDownloadFailed:   "download failed",
	storage.StatusUploadComplete:   "uploaded to library",
	storage.StatusUploadFailed:     "upload failed",
	storage.StatusCompleted:        "completed",
	storage.StatusSkippedExists:    "already in library",
	storage.StatusFailedPermanent:  "failed permanently",
}

// Notifier posts messages to a webhook sink.
type Notifier struct {
	webhookURL string
	secret     string
	httpClient *http.Client
}

// New creates a notifier for the given webhook.
func New(webhookURL, secret string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeouts.NotifierSend},
	}
}

type message struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature,omitempty"`
}

// NotifyTransition implements the state manager's notifier contract.
func (n *Notifier) NotifyTransition(ctx context.Context, item *storage.Item, oldStatus, newStatus storage.Status, reason string) {
	label, ok := noteworthy[newStatus]
	if !ok {
		return
	}
	text := fmt.Sprintf("%s — %s\n%s → %s\n%s", item.Title, label, oldStatus, newStatus, reason)
	if item.Author != "" {
		text += "\nby " + item.Author
	}
	n.send(ctx, text)
}

// NotifyAuthLockout reports a paused stage needing operator attention.
func (n *Notifier) NotifyAuthLockout(ctx context.Context, stage, reason string) {
	n.send(ctx, fmt.Sprintf("stage %q paused: %s", stage, reason))
}

// send posts asynchronously; the caller never waits on the sink.
func (n *Notifier) send(ctx context.Context, text string) {
	if n == nil || n.webhookURL == "" {
		return
	}

	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.NotifierSend)
		defer cancel()

		ts := time.Now().Unix()
		msg := message{Text: text, Timestamp: ts}
		if n.secret != "" {
			msg.Signature = sign(n.secret, ts)
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			slog.ErrorContext(sendCtx, "failed to encode notification", "error", err)
			return
		}

		req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
		if err != nil {
			slog.ErrorContext(sendCtx, "failed to build notification request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			slog.WarnContext(sendCtx, "notification delivery failed", "error", err)
			return
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			slog.WarnContext(sendCtx, "notification rejected", "status", resp.StatusCode)
		}
	}()
}

// sign computes the timestamp-keyed HMAC the webhook sink verifies.
func sign(secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(strconv.FormatInt(timestamp, 10)+"\n"+secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
