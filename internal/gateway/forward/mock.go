package forward

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Mock responses carry randomized-but-bounded token counts so integration
// tests exercise realistic cost attribution without live credentials.
const (
	mockMinPromptTokens     = 20
	mockMaxPromptTokens     = 200
	mockMinCompletionTokens = 50
	mockMaxCompletionTokens = 500
)

// messageResponse is the message-shape payload the anthropic upstream
// returns.
type messageResponse struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   messageUsage   `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// mockResponse builds a shape-correct synthetic payload for the provider.
func mockResponse(p *Provider, reqBody []byte) *Result {
	start := time.Now()

	model := modelFromBody(reqBody, p)
	promptTokens := mockMinPromptTokens + rand.Intn(mockMaxPromptTokens-mockMinPromptTokens)
	completionTokens := mockMinCompletionTokens + rand.Intn(mockMaxCompletionTokens-mockMinCompletionTokens)

	var body []byte
	if p.Name == "anthropic" {
		resp := messageResponse{
			ID:   fmt.Sprintf("msg_mock_%d", time.Now().UnixNano()),
			Type: "message",
			Role: "assistant",
			Content: []contentBlock{
				{Type: "text", Text: "This is a mock response from the gateway."},
			},
			Model: model,
			Usage: messageUsage{
				InputTokens:  promptTokens,
				OutputTokens: completionTokens,
			},
		}
		body, _ = json.Marshal(resp)
	} else {
		resp := openai.ChatCompletionResponse{
			ID:      fmt.Sprintf("chatcmpl-mock-%d", time.Now().UnixNano()),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []openai.ChatCompletionChoice{
				{
					Index: 0,
					Message: openai.ChatCompletionMessage{
						Role:    "assistant",
						Content: "This is a mock response from the gateway.",
					},
					FinishReason: "stop",
				},
			},
			Usage: openai.Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			},
		}
		body, _ = json.Marshal(resp)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	return &Result{
		Status:  http.StatusOK,
		Header:  header,
		Body:    body,
		Latency: time.Since(start),
	}
}

// modelFromBody echoes the requested model back, falling back to a provider
// default.
func modelFromBody(reqBody []byte, p *Provider) string {
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(reqBody, &probe); err == nil && probe.Model != "" {
		return probe.Model
	}
	if p.Name == "anthropic" {
		return "claude-3-haiku"
	}
	return "gpt-4o-mini"
}
