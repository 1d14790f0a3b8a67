package proxy

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
	"github.com/kleisproxy/kleis/internal/usage"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func routeFor(t *testing.T, path string) providers.Route {
	t.Helper()
	route, ok := providers.RouteForPath(path)
	require.True(t, ok)
	return route
}

func TestCodexPreparerShapesRequest(t *testing.T) {
	accountID := "acct-1"
	account := &store.ProviderAccount{
		AccessToken: "at-codex",
		AccountID:   &accountID,
		Metadata:    map[string]any{"chatgptAccountId": "chatgpt-acct"},
	}
	req := &Request{
		Header: http.Header{},
		Body:   `{"model":"gpt-5.2","input":[],"max_output_tokens":4096,"max_completion_tokens":2048}`,
		Path:   "/openai/v1/responses",
		Model:  "gpt-5.2",
	}

	prepared, err := prepareCodex(req, account, routeFor(t, "/openai/v1/responses"))
	require.NoError(t, err)
	require.Equal(t, codexUpstreamURL, prepared.URL)
	require.Equal(t, "Bearer at-codex", req.Header.Get("Authorization"))
	require.Equal(t, "opencode", req.Header.Get("Originator"))
	require.Equal(t, "chatgpt-acct", req.Header.Get("ChatGPT-Account-Id"))

	require.False(t, gjson.Get(prepared.Body, "max_output_tokens").Exists())
	require.False(t, gjson.Get(prepared.Body, "max_completion_tokens").Exists())
	require.NotEmpty(t, gjson.Get(prepared.Body, "instructions").String())
}

func TestCodexPreparerKeepsClientInstructions(t *testing.T) {
	account := &store.ProviderAccount{AccessToken: "at"}
	req := &Request{
		Header: http.Header{"Originator": {"custom"}},
		Body:   `{"model":"gpt-5.2","instructions":"be terse"}`,
		Path:   "/openai/v1/responses",
		Model:  "gpt-5.2",
	}

	prepared, err := prepareCodex(req, account, routeFor(t, "/openai/v1/responses"))
	require.NoError(t, err)
	require.Equal(t, "custom", req.Header.Get("Originator"))
	require.Equal(t, "be terse", gjson.Get(prepared.Body, "instructions").String())
}

func TestCopilotPreparerProfiles(t *testing.T) {
	account := &store.ProviderAccount{
		AccessToken:  "copilot-session",
		RefreshToken: "gh-token",
		Metadata:     map[string]any{"copilotApiBaseUrl": "https://api.business.githubcopilot.com"},
	}

	tests := []struct {
		name       string
		path       string
		body       string
		wantVision bool
		wantAgent  bool
	}{
		{
			name: "plain user chat",
			path: "/copilot/v1/chat/completions",
			body: `{"messages":[{"role":"user","content":"hi"}]}`,
		},
		{
			name:       "vision chat",
			path:       "/copilot/v1/chat/completions",
			body:       `{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"x"}}]}]}`,
			wantVision: true,
		},
		{
			name:      "agent continuation",
			path:      "/copilot/v1/chat/completions",
			body:      `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"ok"}]}`,
			wantAgent: true,
		},
		{
			name:       "responses vision",
			path:       "/copilot/v1/responses",
			body:       `{"input":[{"role":"user","content":[{"type":"input_image"}]}]}`,
			wantVision: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := &Request{Header: http.Header{}, Body: tc.body, Path: tc.path}
			prepared, err := prepareCopilot(req, account, routeFor(t, tc.path))
			require.NoError(t, err)

			require.Equal(t, "Bearer gh-token", req.Header.Get("Authorization"))
			require.Equal(t, "conversation-edits", req.Header.Get("Openai-Intent"))
			require.Equal(t, "vscode-chat", req.Header.Get("Copilot-Integration-Id"))
			require.True(t, strings.HasPrefix(prepared.URL, "https://api.business.githubcopilot.com/"))

			if tc.wantAgent {
				require.Equal(t, "agent", req.Header.Get("X-Initiator"))
			} else {
				require.Equal(t, "user", req.Header.Get("X-Initiator"))
			}
			if tc.wantVision {
				require.Equal(t, "true", req.Header.Get("Copilot-Vision-Request"))
			} else {
				require.Empty(t, req.Header.Get("Copilot-Vision-Request"))
			}
		})
	}
}

func TestCopilotPreparerDefaultsBaseURL(t *testing.T) {
	account := &store.ProviderAccount{RefreshToken: "gh"}
	req := &Request{Header: http.Header{}, Body: `{}`, Path: "/copilot/v1/chat/completions", RawQuery: "stream=true"}

	prepared, err := prepareCopilot(req, account, routeFor(t, "/copilot/v1/chat/completions"))
	require.NoError(t, err)
	require.Equal(t, "https://api.githubcopilot.com/chat/completions?stream=true", prepared.URL)
}

func TestClaudePreparerHeadersAndURL(t *testing.T) {
	account := &store.ProviderAccount{AccessToken: "at-claude"}
	req := &Request{
		Header: http.Header{"Anthropic-Beta": {"context-1m-2025-08-07,oauth-2025-04-20"}},
		Body:   `{"model":"claude-sonnet-4","system":"You are OpenCode, a helpful assistant. Run /opencode help.","messages":[]}`,
		Path:   "/anthropic/v1/messages",
	}

	prepared, err := prepareClaude(req, account, routeFor(t, "/anthropic/v1/messages"))
	require.NoError(t, err)
	require.Equal(t, "https://api.anthropic.com/v1/messages?beta=true", prepared.URL)
	require.Equal(t, "Bearer at-claude", req.Header.Get("Authorization"))
	require.Equal(t, "cli", req.Header.Get("X-App"))
	require.Equal(t, "2023-06-01", req.Header.Get("Anthropic-Version"))

	beta := req.Header.Get("Anthropic-Beta")
	require.True(t, strings.HasPrefix(beta, "claude-code-20250219,oauth-2025-04-20"))
	require.Contains(t, beta, "context-1m-2025-08-07")
	require.Equal(t, 1, strings.Count(beta, "oauth-2025-04-20"))

	system := gjson.Get(prepared.Body, "system").Array()
	require.Len(t, system, 2)
	require.Contains(t, system[0].Get("text").String(), "Claude Code")
	sanitized := system[1].Get("text").String()
	require.Contains(t, sanitized, "You are Claude Code, a helpful assistant.")
	require.Contains(t, sanitized, "/opencode help")
	require.NotContains(t, sanitized, "OpenCode")
}

func TestClaudePreparerPrefixesToolNames(t *testing.T) {
	account := &store.ProviderAccount{AccessToken: "at"}
	req := &Request{
		Header: http.Header{},
		Body: `{"system":[{"type":"text","text":"base"}],` +
			`"tools":[{"name":"search"},{"name":"mcp_already"}],` +
			`"messages":[{"role":"assistant","content":[{"type":"tool_use","name":"search","input":{}},{"type":"text","text":"x"}]}]}`,
		Path: "/anthropic/v1/messages",
	}

	prepared, err := prepareClaude(req, account, routeFor(t, "/anthropic/v1/messages"))
	require.NoError(t, err)
	require.Equal(t, "mcp_search", gjson.Get(prepared.Body, "tools.0.name").String())
	require.Equal(t, "mcp_already", gjson.Get(prepared.Body, "tools.1.name").String())
	require.Equal(t, "mcp_search", gjson.Get(prepared.Body, "messages.0.content.0.name").String())

	system := gjson.Get(prepared.Body, "system").Array()
	require.Len(t, system, 2)
	require.Equal(t, "base", system[1].Get("text").String())
}

func TestTransformBuffersNonSSEResponse(t *testing.T) {
	body := `{"type":"message","content":[{"type":"tool_use","name":"mcp_grep"}],"usage":{"input_tokens":30,"output_tokens":8,"cache_read_input_tokens":2,"cache_creation_input_tokens":1}}`
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"application/json"}, "Content-Length": {"999"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}

	var got []usage.TokenUsage
	transform := newTransform(
		func() Extractor { return &anthropicExtractor{} },
		func(chunk []byte) []byte { return mcpToolNameRe.ReplaceAll(chunk, []byte(`"name":"$1"`)) },
	)
	require.NoError(t, transform(resp, func(u usage.TokenUsage) { got = append(got, u) }))

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(out), `"name":"grep"`)
	require.Empty(t, resp.Header.Get("Content-Length"))

	require.Len(t, got, 1)
	require.Equal(t, usage.TokenUsage{InputTokens: 30, OutputTokens: 8, CacheReadTokens: 2, CacheWriteTokens: 1}, got[0])
}
