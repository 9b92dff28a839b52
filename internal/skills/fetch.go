package skills

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"relay-backend/internal/utils"
)

const (
	fetchName            = "web.fetch"
	defaultFetchMaxBytes = 8000
	truncatedMark        = "\n…[truncated]"
)

var (
	scriptBlock = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTag     = regexp.MustCompile(`<[^>]*>`)
	blankRuns   = regexp.MustCompile(`\n\s*\n+`)
)

// FetchTool GETs a URL and returns its body as text, cut to maxBytes.
type FetchTool struct {
	client   *http.Client
	maxBytes int
}

func NewFetchTool(timeout time.Duration, maxBytes int) *FetchTool {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}
	return &FetchTool{client: utils.NewHTTPClient(timeout), maxBytes: maxBytes}
}

func (t *FetchTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: fetchName,
		Desc: "Fetch a web page over HTTP(S) and return its text.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"url": {Type: schema.String, Desc: "absolute http or https URL", Required: true},
		}),
	}, nil
}

func (t *FetchTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(argumentsInJSON, &args); err != nil {
		return "", err
	}

	u, err := url.Parse(args.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: need an absolute http(s) url, got %q", ErrBadArguments, args.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "relay-backend/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	// read past the limit so truncation is detectable; markup is stripped later
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxBytes)*4))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text = pageText(text)
	}

	return truncateBytes(strings.TrimSpace(text), t.maxBytes), nil
}

func pageText(page string) string {
	page = scriptBlock.ReplaceAllString(page, "")
	page = htmlTag.ReplaceAllString(page, "")
	page = html.UnescapeString(page)
	return blankRuns.ReplaceAllString(page, "\n\n")
}

// truncateBytes cuts s to at most max bytes on a rune boundary.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMark
}
