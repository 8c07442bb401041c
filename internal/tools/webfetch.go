package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	fetchTimeout   = 30 * time.Second
	fetchMaxChars  = 50_000
	fetchUserAgent = "relay-agent/1.0"
)

// WebFetchTool performs HTTP requests. GET auto-approves; mutating methods
// go through the gate.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{client: &http.Client{Timeout: fetchTimeout}}
}

func (t *WebFetchTool) Name() string        { return "web_fetch" }
func (t *WebFetchTool) Description() string { return "Fetch a URL over HTTP and return the response body as text" }
func (t *WebFetchTool) Tier() Tier          { return TierGated }

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method (default GET; anything else requires approval)",
				"enum":        []string{"GET", "POST", "PUT", "DELETE"},
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body for non-GET methods",
			},
		},
		"required": []string{"url"},
	}
}

// AutoApprove passes plain GETs to public hosts.
func (t *WebFetchTool) AutoApprove(args map[string]any) bool {
	method, _ := args["method"].(string)
	if method != "" && method != "GET" {
		return false
	}
	rawURL, _ := args["url"].(string)
	return validateFetchURL(rawURL) == nil
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL, _ := args["url"].(string)
	if err := validateFetchURL(rawURL); err != nil {
		return ErrorResult("%s", err.Error())
	}
	method, _ := args["method"].(string)
	if method == "" {
		method = "GET"
	}
	var body io.Reader
	if b, _ := args["body"].(string); b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return ErrorResult("build request: %v", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult("fetch: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxChars+1))
	if err != nil {
		return ErrorResult("read response: %v", err)
	}
	text := string(data)
	truncated := false
	if len(text) > fetchMaxChars {
		text = text[:fetchMaxChars]
		truncated = true
	}

	out := fmt.Sprintf("HTTP %d\n\n%s", resp.StatusCode, text)
	if truncated {
		out += "\n\n[truncated]"
	}
	if resp.StatusCode >= 400 {
		return ErrorResult("%s", out)
	}
	return NewResult(out)
}

// validateFetchURL rejects non-HTTP schemes and targets inside private or
// link-local ranges (SSRF guard). Hostnames that are not IP literals are
// accepted; the dial happens wherever DNS points, which the denylist on the
// response side cannot fix, so loopback names are rejected by pattern.
func validateFetchURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("only http and https urls are supported")
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("missing hostname")
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("refusing to fetch internal host %q", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("refusing to fetch private address %q", host)
		}
	}
	return nil
}
