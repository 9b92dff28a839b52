package skills

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-backend/internal/config"
	"relay-backend/internal/parser"
)

func TestCalc(t *testing.T) {
	calc := &CalcTool{}

	tests := []struct {
		name string
		args string
		want string
	}{
		{"symbol", `{"expression":"3/4"}`, "3 / 4 = 0.75"},
		{"spaced minus", `{"expression":"10 - 12"}`, "10 - 12 = -2"},
		{"times word", `{"expression":"what is 12 times 4?"}`, "12 * 4 = 48"},
		{"x symbol", `{"expression":"6 x 7"}`, "6 * 7 = 42"},
		{"difference", `{"expression":"difference between 10 and 3"}`, "10 - 3 = 7"},
		{"power", `{"expression":"2 to the power 10"}`, "2 ^ 10 = 1024"},
		{"no keyword adds", `{"expression":"5 7"}`, "5 + 7 = 12"},
		{"unknown word adds", `{"expression":"combine 1.5 with 2"}`, "1.5 + 2 = 3.5"},
		{"operands", `{"a":9,"b":3,"op":"divide"}`, "9 / 3 = 3"},
		{"operands default op", `{"a":1,"b":2}`, "1 + 2 = 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.InvokableRun(context.Background(), tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalcErrors(t *testing.T) {
	calc := &CalcTool{}
	for _, args := range []string{`{}`, `{"expression":"just 1 number"}`, `{"expression":"1 2 3"}`, `{"a":1,"b":0,"op":"/"}`, `[1,2]`} {
		_, err := calc.InvokableRun(context.Background(), args)
		assert.ErrorIs(t, err, ErrBadArguments, args)
	}
}

func TestClock(t *testing.T) {
	clock := &ClockTool{now: func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }}

	got, err := clock.InvokableRun(context.Background(), `{}`)
	require.NoError(t, err)
	assert.Equal(t, "Friday, 2024-03-01 12:00:00 UTC", got)

	got, err = clock.InvokableRun(context.Background(), `{"tz":"Asia/Tokyo"}`)
	require.NoError(t, err)
	assert.Equal(t, "Friday, 2024-03-01 21:00:00 JST", got)

	_, err = clock.InvokableRun(context.Background(), `{"tz":"Mars/Olympus"}`)
	assert.ErrorIs(t, err, ErrBadArguments)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, `<html><head><style>p{}</style></head><body><p>Hello &amp; welcome</p><script>x()</script></body></html>`)
		case "/long":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, strings.Repeat("é", 100))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fetch := NewFetchTool(time.Second, 21)

	got, err := fetch.InvokableRun(context.Background(), `{"url":"`+srv.URL+`/page"}`)
	require.NoError(t, err)
	assert.Equal(t, "Hello & welcome", got)

	got, err = fetch.InvokableRun(context.Background(), `{"url":"`+srv.URL+`/long"}`)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 10)+truncatedMark, got)

	_, err = fetch.InvokableRun(context.Background(), `{"url":"`+srv.URL+`/missing"}`)
	assert.ErrorContains(t, err, "404")

	_, err = fetch.InvokableRun(context.Background(), `{"url":"file:///etc/passwd"}`)
	assert.ErrorIs(t, err, ErrBadArguments)
}

func TestRegistry(t *testing.T) {
	r, err := Load(context.Background(), config.SkillsConfig{
		EnabledBuiltin: []string{"calc", "time.now", "web.fetch"},
		MCPServers:     []config.MCPServerConfig{{Name: "broken", Transport: "carrier-pigeon"}},
	})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"calc", "time.now", "web.fetch"}, r.Names())

	got, err := r.Execute(context.Background(), parser.DirectiveCall{Action: "calc", Args: map[string]any{"expression": "2 plus 2"}})
	require.NoError(t, err)
	assert.Equal(t, "2 + 2 = 4", got)

	_, err = r.Execute(context.Background(), parser.DirectiveCall{Action: "nope"})
	assert.ErrorIs(t, err, ErrUnknownSkill)

	desc := r.Describe()
	assert.Contains(t, desc, `"type":"tool_call"`)
	assert.Contains(t, desc, "- web.fetch: ")

	_, err = Load(context.Background(), config.SkillsConfig{EnabledBuiltin: []string{"teleport"}})
	assert.Error(t, err)

	assert.Empty(t, NewRegistry().Describe())
}

func TestMCPErrorHandler(t *testing.T) {
	handler := MCPErrorHandler()

	ok := &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "fine"}}}
	got, err := handler(context.Background(), "t", ok)
	require.NoError(t, err)
	assert.Same(t, ok, got)

	failed := &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "disk full"}}}
	got, err = handler(context.Background(), "writer", failed)
	require.NoError(t, err)
	assert.False(t, got.IsError)

	text := got.Content[0].(mcp.TextContent).Text
	isErr, res := IsMCPErrorResult(text)
	require.True(t, isErr)
	assert.Equal(t, "disk full", res.ErrorMessage)
	assert.Equal(t, "writer", res.ToolName)

	isErr, _ = IsMCPErrorResult(`{"success":true}`)
	assert.False(t, isErr)
}
