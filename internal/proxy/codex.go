package proxy

import (
	"github.com/kleisproxy/kleis/internal/misc"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	codexUpstreamURL       = "https://chatgpt.com/backend-api/codex/responses"
	codexDefaultOriginator = "opencode"
)

// prepareCodex shapes a Responses request for the ChatGPT Codex
// backend. The backend rejects token-limit fields and requires an
// instructions blob, so both are normalized here.
func prepareCodex(req *Request, account *store.ProviderAccount, _ providers.Route) (*Prepared, error) {
	req.Header.Set("Authorization", "Bearer "+account.AccessToken)
	if req.Header.Get("Originator") == "" {
		req.Header.Set("Originator", codexDefaultOriginator)
	}
	accountID := metadataString(account, "chatgptAccountId")
	if accountID == "" && account.AccountID != nil {
		accountID = *account.AccountID
	}
	if accountID != "" {
		req.Header.Set("ChatGPT-Account-Id", accountID)
	}

	body := req.Body
	var err error
	for _, field := range []string{"max_output_tokens", "max_completion_tokens"} {
		if gjson.Get(body, field).Exists() {
			if body, err = sjson.Delete(body, field); err != nil {
				return nil, err
			}
		}
	}
	if gjson.Get(body, "instructions").String() == "" {
		if body, err = sjson.Set(body, "instructions", misc.CodexInstructions(req.Model)); err != nil {
			return nil, err
		}
	}

	return &Prepared{
		URL:       codexUpstreamURL,
		Body:      body,
		Transform: newTransform(func() Extractor { return openAIResponsesExtractor{} }, nil),
	}, nil
}
