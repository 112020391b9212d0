package publisher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emerry-tsun/JMA/pkg/model"
)

// Webhook POSTs each alert as a JSON document to an HTTP endpoint.
//
// When a secret is set the request carries X-Signature-256, an HMAC-SHA256
// over "<X-Webhook-Timestamp>.<body>", so receivers can reject replays.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhook creates a webhook publisher.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Publish(ctx context.Context, post model.Post) error {
	sent := w.now().UTC()
	body, err := json.Marshal(newAlertPayload(post, sent))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	ts := strconv.FormatInt(sent.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "jmaalert/1.0")
	req.Header.Set("X-Webhook-Timestamp", ts)
	if post.AreaCode != "" {
		req.Header.Set("X-JMA-Area", post.AreaCode)
		req.Header.Set("X-JMA-Tier", post.Tier.String())
	}
	if w.secret != "" {
		req.Header.Set("X-Signature-256", "sha256="+signPayload(w.secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook for %s: %w", post.Account, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

type alertPayload struct {
	Event    string     `json:"event"`
	SentAt   string     `json:"sent_at"`
	Account  string     `json:"account"`
	AreaCode string     `json:"area_code,omitempty"`
	Tier     model.Tier `json:"tier"`
	Locale   string     `json:"locale"`
	Headline string     `json:"headline"`
	Text     string     `json:"text"`
	Tags     []string   `json:"tags,omitempty"`
	Link     string     `json:"link,omitempty"`
}

func newAlertPayload(post model.Post, sent time.Time) alertPayload {
	headline, _, _ := strings.Cut(post.Text, "\n")
	link, _, _ := post.Link()
	return alertPayload{
		Event:    "weather_alert",
		SentAt:   sent.Format(time.RFC3339),
		Account:  post.Account,
		AreaCode: post.AreaCode,
		Tier:     post.Tier,
		Locale:   post.Lang.Tag(),
		Headline: headline,
		Text:     post.Text,
		Tags:     post.Tags(),
		Link:     link,
	}
}

func signPayload(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
