package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TicketTransport creates an issue in an external ticketing system via its
// REST API. The payload becomes the issue body; summary/project key come
// from payload or config.
type TicketTransport struct {
	client *http.Client
}

func NewTicketTransport(client *http.Client) *TicketTransport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TicketTransport{client: client}
}

func (t *TicketTransport) Dispatch(ctx context.Context, payload map[string]any, config map[string]any) Result {
	baseURL := configString(config, "base_url")
	if baseURL == "" {
		return failure(0, "ticket config missing base_url")
	}

	summary := configString(payload, "summary")
	if summary == "" {
		summary = "relaygate delivery"
	}
	issue := map[string]any{
		"summary":     summary,
		"project_key": configString(config, "project_key"),
		"fields":      payload,
	}
	body, err := json.Marshal(issue)
	if err != nil {
		return failure(0, "marshal issue: "+err.Error())
	}

	url := strings.TrimSuffix(baseURL, "/") + "/issues"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(0, "build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if token := configString(config, "api_token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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
