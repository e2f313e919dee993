package connector

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	sigHeader = "X-Relaygate-Signature" // sha256=<hex>
	tsHeader  = "X-Relaygate-Timestamp" // unix seconds

	maxResponseBody = 4 << 10
)

// WebhookTransport POSTs the payload as JSON to the configured URL. When a
// secret is configured the request is signed with HMAC-SHA256 over
// body||timestamp so receivers can verify origin and freshness.
type WebhookTransport struct {
	client *http.Client
}

func NewWebhookTransport(client *http.Client) *WebhookTransport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookTransport{client: client}
}

func (t *WebhookTransport) Dispatch(ctx context.Context, payload map[string]any, config map[string]any) Result {
	url := configString(config, "url")
	if url == "" {
		return failure(0, "webhook config missing url")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failure(0, "marshal payload: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(0, "build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(tsHeader, ts)
	if secret := configString(config, "secret"); secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		mac.Write([]byte(ts))
		req.Header.Set(sigHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return failure(0, err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res := Result{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
		Success:      resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if !res.Success {
		res.ErrorMessage = "unexpected status " + strconv.Itoa(resp.StatusCode)
	}
	return res
}
