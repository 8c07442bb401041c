package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestValidateFetchURL(t *testing.T) {
	cases := []struct {
		url string
		ok  bool
	}{
		{"https://example.com/page", true},
		{"http://example.com", true},
		{"ftp://example.com/file", false},
		{"https://localhost/admin", false},
		{"https://db.internal/metrics", false},
		{"http://127.0.0.1:8080/", false},
		{"http://10.0.0.5/", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://0.0.0.0/", false},
		{"not a url at all://", false},
	}
	for _, c := range cases {
		err := validateFetchURL(c.url)
		if (err == nil) != c.ok {
			t.Errorf("validateFetchURL(%q) = %v, want ok=%v", c.url, err, c.ok)
		}
	}
}

func TestWebFetchAutoApprove(t *testing.T) {
	tool := NewWebFetchTool()
	if !tool.AutoApprove(map[string]any{"url": "https://example.com"}) {
		t.Error("plain GET should auto-approve")
	}
	if tool.AutoApprove(map[string]any{"url": "https://example.com", "method": "POST"}) {
		t.Error("POST must not auto-approve")
	}
	if tool.AutoApprove(map[string]any{"url": "http://127.0.0.1/"}) {
		t.Error("loopback must not auto-approve")
	}
}

func TestWebFetchExecuteRejectsBeforeDialing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached the server despite the URL guard")
	}))
	defer srv.Close()

	tool := NewWebFetchTool()
	res := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	if !res.IsError || !strings.Contains(res.Content, "private address") {
		t.Fatalf("loopback fetch not rejected: %+v", res)
	}

	res = tool.Execute(context.Background(), map[string]any{"url": "gopher://example.com"})
	if !res.IsError || !strings.Contains(res.Content, "http") {
		t.Fatalf("scheme not rejected: %+v", res)
	}
}
