package proxy

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/kleisproxy/kleis/internal/misc"
	"github.com/kleisproxy/kleis/internal/oauth/claude"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const claudeUpstreamBase = "https://api.anthropic.com"

// mcpToolNameRe matches tool names the request rewriting prefixed;
// responses are rewritten back so clients see their original names.
var mcpToolNameRe = regexp.MustCompile(`"name"\s*:\s*"mcp_([^"]+)"`)

// opencodeWordRe matches the client product name outside path contexts
// (a leading slash marks a file path or command, which stays as-is).
var opencodeWordRe = regexp.MustCompile(`(^|[^/])(?i:opencode)`)

// prepareClaude shapes a Messages request for the Anthropic API as
// OAuth-authenticated CLI traffic: the beta header set, CLI identity
// headers, the system-identity preamble, and mcp_-prefixed tool names.
func prepareClaude(req *Request, account *store.ProviderAccount, route providers.Route) (*Prepared, error) {
	req.Header.Set("Authorization", "Bearer "+account.AccessToken)
	req.Header.Set("Anthropic-Beta", mergeBetaHeader(req.Header.Get("Anthropic-Beta")))
	req.Header.Set("User-Agent", claude.UserAgent)
	req.Header.Set("X-App", "cli")
	req.Header.Set("Anthropic-Version", "2023-06-01")

	body, err := rewriteClaudeBody(req.Body)
	if err != nil {
		return nil, err
	}

	query, err := url.ParseQuery(req.RawQuery)
	if err != nil {
		query = url.Values{}
	}
	if query.Get("beta") == "" {
		query.Set("beta", "true")
	}
	upstreamURL := claudeUpstreamBase + "/v1" + upstreamPath(req, route) + "?" + query.Encode()

	return &Prepared{
		URL:  upstreamURL,
		Body: body,
		Transform: newTransform(
			func() Extractor { return &anthropicExtractor{} },
			func(chunk []byte) []byte { return mcpToolNameRe.ReplaceAll(chunk, []byte(`"name":"`+"$1"+`"`)) },
		),
	}, nil
}

// mergeBetaHeader unions the client's anthropic-beta values with the
// required set, required first, deduplicated, order preserved.
func mergeBetaHeader(clientValue string) string {
	seen := make(map[string]struct{})
	merged := make([]string, 0, len(claude.RequiredBetaHeaders)+2)
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		merged = append(merged, v)
	}
	for _, v := range claude.RequiredBetaHeaders {
		add(v)
	}
	for _, v := range strings.Split(clientValue, ",") {
		add(v)
	}
	return strings.Join(merged, ",")
}

func rewriteClaudeBody(body string) (string, error) {
	body, err := rewriteClaudeSystem(body)
	if err != nil {
		return "", err
	}

	for i, tool := range gjson.Get(body, "tools").Array() {
		name := tool.Get("name").String()
		if name == "" || strings.HasPrefix(name, claude.ToolPrefix) {
			continue
		}
		if body, err = sjson.Set(body, "tools."+strconv.Itoa(i)+".name", claude.ToolPrefix+name); err != nil {
			return "", err
		}
	}

	for i, msg := range gjson.Get(body, "messages").Array() {
		for j, part := range msg.Get("content").Array() {
			if part.Get("type").String() != "tool_use" {
				continue
			}
			name := part.Get("name").String()
			if name == "" || strings.HasPrefix(name, claude.ToolPrefix) {
				continue
			}
			path := "messages." + strconv.Itoa(i) + ".content." + strconv.Itoa(j) + ".name"
			if body, err = sjson.Set(body, path, claude.ToolPrefix+name); err != nil {
				return "", err
			}
		}
	}
	return body, nil
}

// rewriteClaudeSystem prepends the system-identity block and sanitizes
// client product references out of the original system text.
func rewriteClaudeSystem(body string) (string, error) {
	identityBlock := map[string]any{"type": "text", "text": misc.ClaudeSystemIdentity}
	system := gjson.Get(body, "system")

	switch {
	case system.Type == gjson.String:
		return sjson.Set(body, "system", []any{
			identityBlock,
			map[string]any{"type": "text", "text": sanitizeClientName(system.String())},
		})
	case system.IsArray():
		blocks := []any{identityBlock}
		for _, part := range system.Array() {
			value := part.Value()
			if m, ok := value.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					m["text"] = sanitizeClientName(text)
				}
			}
			blocks = append(blocks, value)
		}
		return sjson.Set(body, "system", blocks)
	default:
		return sjson.Set(body, "system", []any{identityBlock})
	}
}

// sanitizeClientName rewrites OpenCode branding to the Claude Code
// identity the upstream expects from CLI traffic.
func sanitizeClientName(text string) string {
	text = strings.ReplaceAll(text, "OpenCode", "Claude Code")
	return opencodeWordRe.ReplaceAllString(text, "${1}Claude")
}
