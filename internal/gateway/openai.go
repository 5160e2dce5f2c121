package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider calls the OpenAI Chat Completions API. It also covers
// OpenAI-compatible local backends via WithOpenAIEndpoint.
type OpenAIProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

type OpenAIOption func(*OpenAIProvider)

func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: defaultOpenAIEndpoint,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			p.endpoint = trimmed
		}
	}
}

func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) {
		if client != nil {
			p.client = client
		}
	}
}

func (p *OpenAIProvider) Kind() string { return "openai" }

type openaiRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Messages  []openaiMessage `json:"messages"`
	Tools     []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	apiReq := openaiRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  make([]openaiMessage, 0, len(req.Messages)+1),
	}
	if req.System != "" {
		apiReq.Messages = append(apiReq.Messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, openaiMessage{
			Role:    openaiRole(msg.Role),
			Content: msg.Content,
		})
	}
	for _, def := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}

	body, err := json.Marshal(&apiReq)
	if err != nil {
		return nil, &ProviderError{Provider: p.Kind(), Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: p.Kind(), Message: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: p.Kind(), Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &ProviderError{Provider: p.Kind(), Message: fmt.Sprintf("read response: %v", err)}
	}

	var apiResp openaiResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(respBody, &apiResp)
		perr := &ProviderError{Provider: p.Kind(), StatusCode: resp.StatusCode}
		if apiResp.Error != nil {
			perr.Type = apiResp.Error.Type
			perr.Message = apiResp.Error.Message
		} else {
			perr.Message = truncateBody(respBody)
		}
		return nil, perr
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &ProviderError{Provider: p.Kind(), Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(apiResp.Choices) == 0 {
		return nil, &ProviderError{Provider: p.Kind(), Message: "response has no choices"}
	}

	choice := apiResp.Choices[0]
	out := &CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
	}
	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		input := make(map[string]interface{})
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, &ProviderError{Provider: p.Kind(), Message: fmt.Sprintf("decode tool arguments: %v", err)}
			}
		}
		out.ToolCall = &ToolRequest{Name: tc.Function.Name, Input: input}
	}
	return out, nil
}

func openaiRole(role string) string {
	switch role {
	case "assistant", "agent":
		return "assistant"
	default:
		return "user"
	}
}
