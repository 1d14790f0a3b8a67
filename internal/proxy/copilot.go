package proxy

import (
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
	"github.com/tidwall/gjson"
)

const copilotDefaultAPIBase = "https://api.githubcopilot.com"

// copilotDefaultProfile is the client identity Copilot expects; account
// metadata may carry a requestProfile overriding individual headers.
var copilotDefaultProfile = map[string]string{
	"Editor-Version":         "vscode/1.99.3",
	"Editor-Plugin-Version":  "copilot-chat/0.26.7",
	"User-Agent":             "GitHubCopilotChat/0.26.7",
	"Copilot-Integration-Id": "vscode-chat",
}

// prepareCopilot shapes a request for the Copilot API. The stored
// refresh token is the long-lived GitHub token and is what upstream
// authenticates; the request profile headers mark the traffic as
// editor chat, and vision/agent flags are derived from the body.
func prepareCopilot(req *Request, account *store.ProviderAccount, route providers.Route) (*Prepared, error) {
	req.Header.Set("Authorization", "Bearer "+account.RefreshToken)
	req.Header.Set("Openai-Intent", "conversation-edits")

	isVision, isAgent := copilotProfile(req.Body, route.Endpoint)
	if isAgent {
		req.Header.Set("X-Initiator", "agent")
	} else {
		req.Header.Set("X-Initiator", "user")
	}
	if isVision {
		req.Header.Set("Copilot-Vision-Request", "true")
	} else {
		req.Header.Del("Copilot-Vision-Request")
	}

	profile := map[string]string{}
	for k, v := range copilotDefaultProfile {
		profile[k] = v
	}
	if account.Metadata != nil {
		if overrides, ok := account.Metadata["requestProfile"].(map[string]any); ok {
			for k, v := range overrides {
				if s, ok := v.(string); ok && s != "" {
					profile[k] = s
				}
			}
		}
	}
	for k, v := range profile {
		req.Header.Set(k, v)
	}

	base := metadataString(account, "copilotApiBaseUrl")
	if base == "" {
		base = copilotDefaultAPIBase
	}
	url := base + upstreamPath(req, route)
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}

	newExtractor := func() Extractor { return openAIChatExtractor{} }
	if route.Endpoint == providers.EndpointResponses {
		newExtractor = func() Extractor { return openAIResponsesExtractor{} }
	}

	return &Prepared{
		URL:       url,
		Body:      req.Body,
		Transform: newTransform(newExtractor, nil),
	}, nil
}

// copilotProfile derives the (vision, agent) request profile from the
// body, per endpoint dialect.
func copilotProfile(body string, endpoint providers.Endpoint) (isVision, isAgent bool) {
	switch endpoint {
	case providers.EndpointChatCompletions:
		messages := gjson.Get(body, "messages").Array()
		isVision = anyContentType(messages, "image_url")
		if len(messages) > 0 {
			isAgent = messages[len(messages)-1].Get("role").String() != "user"
		}
	case providers.EndpointResponses:
		input := gjson.Get(body, "input").Array()
		isVision = anyContentType(input, "input_image")
		if len(input) > 0 {
			isAgent = input[len(input)-1].Get("role").String() != "user"
		}
	case providers.EndpointMessages:
		messages := gjson.Get(body, "messages").Array()
		for _, msg := range messages {
			for _, part := range msg.Get("content").Array() {
				if part.Get("type").String() == "image" {
					isVision = true
				}
				if part.Get("type").String() == "tool_result" {
					for _, nested := range part.Get("content").Array() {
						if nested.Get("type").String() == "image" {
							isVision = true
						}
					}
				}
			}
		}
		if len(messages) > 0 {
			last := messages[len(messages)-1]
			hasNonToolResult := false
			for _, part := range last.Get("content").Array() {
				if part.Get("type").String() != "tool_result" {
					hasNonToolResult = true
					break
				}
			}
			isAgent = !(last.Get("role").String() == "user" && hasNonToolResult)
		}
	}
	return isVision, isAgent
}

func anyContentType(messages []gjson.Result, contentType string) bool {
	for _, msg := range messages {
		for _, part := range msg.Get("content").Array() {
			if part.Get("type").String() == contentType {
				return true
			}
		}
	}
	return false
}
