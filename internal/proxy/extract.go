package proxy

import (
	"github.com/kleisproxy/kleis/internal/usage"
	"github.com/tidwall/gjson"
)

// Extractor consumes decoded SSE event payloads (or, for non-streaming
// responses, the whole JSON body as a single event) and reports token
// usage through emit. Payloads that are not JSON or carry no usage are
// ignored.
type Extractor interface {
	OnEvent(data []byte, emit func(usage.TokenUsage))
	OnClose(emit func(usage.TokenUsage))
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// openAIResponsesExtractor reads usage from response.completed /
// response.done events of the OpenAI Responses protocol.
type openAIResponsesExtractor struct{}

func (openAIResponsesExtractor) OnEvent(data []byte, emit func(usage.TokenUsage)) {
	if !gjson.ValidBytes(data) {
		return
	}
	var u gjson.Result
	switch gjson.GetBytes(data, "type").String() {
	case "response.completed", "response.done":
		u = gjson.GetBytes(data, "response.usage")
	default:
		// Non-streaming bodies are the response object itself.
		if gjson.GetBytes(data, "object").String() != "response" {
			return
		}
		u = gjson.GetBytes(data, "usage")
	}
	if !u.IsObject() {
		return
	}
	cached := u.Get("input_tokens_details.cached_tokens").Int()
	emit(usage.TokenUsage{
		InputTokens:     nonNegative(u.Get("input_tokens").Int() - cached),
		OutputTokens:    nonNegative(u.Get("output_tokens").Int()),
		CacheReadTokens: nonNegative(cached),
	})
}

func (openAIResponsesExtractor) OnClose(func(usage.TokenUsage)) {}

// openAIChatExtractor reads usage from any OpenAI chat-completions
// chunk whose usage field is populated.
type openAIChatExtractor struct{}

func (openAIChatExtractor) OnEvent(data []byte, emit func(usage.TokenUsage)) {
	if !gjson.ValidBytes(data) {
		return
	}
	u := gjson.GetBytes(data, "usage")
	if !u.IsObject() {
		return
	}
	cached := u.Get("prompt_tokens_details.cached_tokens").Int()
	emit(usage.TokenUsage{
		InputTokens:     nonNegative(u.Get("prompt_tokens").Int() - cached),
		OutputTokens:    nonNegative(u.Get("completion_tokens").Int()),
		CacheReadTokens: nonNegative(cached),
	})
}

func (openAIChatExtractor) OnClose(func(usage.TokenUsage)) {}

// anthropicExtractor accumulates usage over a messages stream:
// message_start carries the input side, message_delta the output side.
// The total is emitted once, at stream end.
type anthropicExtractor struct {
	current  usage.TokenUsage
	observed bool
}

func (e *anthropicExtractor) OnEvent(data []byte, emit func(usage.TokenUsage)) {
	if !gjson.ValidBytes(data) {
		return
	}
	switch gjson.GetBytes(data, "type").String() {
	case "message_start":
		u := gjson.GetBytes(data, "message.usage")
		if !u.IsObject() {
			return
		}
		e.current.InputTokens = nonNegative(u.Get("input_tokens").Int())
		e.current.CacheReadTokens = nonNegative(u.Get("cache_read_input_tokens").Int())
		e.current.CacheWriteTokens = nonNegative(u.Get("cache_creation_input_tokens").Int())
		e.observed = true
	case "message_delta":
		u := gjson.GetBytes(data, "usage")
		if !u.IsObject() {
			return
		}
		if out := u.Get("output_tokens"); out.Exists() {
			e.current.OutputTokens = nonNegative(out.Int())
			e.observed = true
		}
	default:
		// Non-streaming bodies arrive as one event of type "message".
		u := gjson.GetBytes(data, "usage")
		if !u.IsObject() {
			return
		}
		e.current.InputTokens = nonNegative(u.Get("input_tokens").Int())
		e.current.OutputTokens = nonNegative(u.Get("output_tokens").Int())
		e.current.CacheReadTokens = nonNegative(u.Get("cache_read_input_tokens").Int())
		e.current.CacheWriteTokens = nonNegative(u.Get("cache_creation_input_tokens").Int())
		e.observed = true
	}
}

func (e *anthropicExtractor) OnClose(emit func(usage.TokenUsage)) {
	if e.observed {
		emit(e.current)
	}
}
