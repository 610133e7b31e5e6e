// Package openai implements the model responder against an OpenAI-compatible
// chat completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chatlog-io/chatlog-service/internal/config"
	registryllm "github.com/chatlog-io/chatlog-service/internal/registry/llm"
)

func init() {
	registryllm.Register(registryllm.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registryllm.Responder, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, &registryllm.Error{
			Kind:    registryllm.KindConfiguration,
			Message: "CHATLOG_SERVICE_OPENAI_API_KEY is required",
		}
	}
	timeout := cfg.LLMTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIResponder{
		apiKey:  cfg.OpenAIAPIKey,
		model:   cfg.OpenAIModelName,
		baseURL: strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// OpenAIResponder generates replies via the chat completions API.
type OpenAIResponder struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func (r *OpenAIResponder) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (r *OpenAIResponder) Generate(ctx context.Context, genReq registryllm.Request) (string, error) {
	messages := make([]chatMessage, 0, len(genReq.History)+1)
	for _, m := range genReq.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	content := genReq.Message
	if len(genReq.Attachments) > 0 {
		// Attachments ride along as plain text context.
		content = content + "\n\n" + strings.Join(genReq.Attachments, "\n")
	}
	messages = append(messages, chatMessage{Role: "user", Content: content})

	reqBody, err := json.Marshal(chatRequest{Model: r.model, Messages: messages})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &registryllm.Error{Kind: registryllm.KindTransient, Message: "request timed out"}
		}
		return "", &registryllm.Error{Kind: registryllm.KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &registryllm.Error{Kind: registryllm.KindTransient, Message: fmt.Sprintf("read response: %v", err)}
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &registryllm.Error{Kind: registryllm.KindTransient, Message: fmt.Sprintf("parse response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK || result.Error != nil {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		var code, errType string
		if result.Error != nil {
			msg = result.Error.Message
			code, errType = result.Error.Code, result.Error.Type
		}
		return "", &registryllm.Error{Kind: classifyError(resp.StatusCode, code, errType), Message: msg}
	}

	if len(result.Choices) == 0 {
		return "", &registryllm.Error{Kind: registryllm.KindTransient, Message: "empty choices in response"}
	}
	choice := result.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", &registryllm.Error{Kind: registryllm.KindSafety, Message: "response blocked by content filter"}
	}
	return choice.Message.Content, nil
}

// classifyError maps an error response onto the failure taxonomy the send
// path dispatches on. A content-filter marker in the error body wins over the
// status code: providers report filtered requests as 400.
func classifyError(status int, code, errType string) registryllm.Kind {
	if code == "content_filter" || errType == "content_filter" {
		return registryllm.KindSafety
	}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return registryllm.KindPermission
	case status == http.StatusTooManyRequests:
		return registryllm.KindQuota
	case status >= 500:
		return registryllm.KindTransient
	case status == http.StatusBadRequest:
		return registryllm.KindConfiguration
	default:
		return registryllm.KindTransient
	}
}
