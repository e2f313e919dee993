package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ChatTransport posts a message to an incoming-webhook style chat endpoint
// (Slack/Teams shape: a "text" field plus the raw payload attached).
type ChatTransport struct {
	client *http.Client
}

func NewChatTransport(client *http.Client) *ChatTransport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &ChatTransport{client: client}
}

func (t *ChatTransport) Dispatch(ctx context.Context, payload map[string]any, config map[string]any) Result {
	url := configString(config, "webhook_url")
	if url == "" {
		return failure(0, "chat config missing webhook_url")
	}

	text := configString(payload, "text")
	if text == "" {
		text = fmt.Sprintf("relaygate event (%d fields)", len(payload))
	}
	msg := map[string]any{"text": text, "payload": payload}
	if channel := configString(config, "channel"); channel != "" {
		msg["channel"] = channel
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return failure(0, "marshal message: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(0, "build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

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
