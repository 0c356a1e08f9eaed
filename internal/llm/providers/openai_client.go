// File path: internal/llm/providers/openai_client.go
package providers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/common/telemetry"
)

type OpenAIProvider struct {
	client     *openai.Client
	chatModel  string
	embedModel string
}

func NewOpenAIProvider(client *openai.Client) *OpenAIProvider {
	chatModel := os.Getenv("OPENAI_CHAT_MODEL")
	if chatModel == "" {
		chatModel = "gpt-4o"
	}
	embedModel := os.Getenv("OPENAI_EMBED_MODEL")
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}
	logger := common.Logger()
	logger.Info("llm: OpenAI provider configured", "chat_model", chatModel, "embed_model", embedModel)
	return &OpenAIProvider{client: client, chatModel: chatModel, embedModel: embedModel}
}

func (o *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	params, err := o.chatParams(messages)
	if err != nil {
		return "", err
	}
	return o.complete(ctx, params)
}

func (o *OpenAIProvider) ChatStructured(ctx context.Context, messages []Message, schema StructuredSchema) (string, error) {
	params, err := o.chatParams(messages)
	if err != nil {
		return "", err
	}
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   schema.Name,
				Schema: schema.Schema,
				Strict: openai.Bool(true),
			},
		},
	}
	return o.complete(ctx, params)
}

func (o *OpenAIProvider) chatParams(messages []Message) (openai.ChatCompletionNewParams, error) {
	if o.client == nil {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("nil openai client")
	}
	if len(messages) == 0 {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("no messages provided")
	}
	params := openai.ChatCompletionNewParams{Model: shared.ChatModel(o.chatModel)}
	for _, msg := range messages {
		switch strings.ToLower(msg.Role) {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(msg.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(msg.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(msg.Content))
		}
	}
	return params, nil
}

func (o *OpenAIProvider) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	logger := common.Logger()
	logger.Debug("llm: sending chat completion request", "model", o.chatModel, "messages", len(params.Messages))
	start := time.Now()
	resp, err := callWithRetry(ctx, func() (*openai.ChatCompletion, error) {
		return o.client.Chat.Completions.New(ctx, params)
	})
	telemetry.RecordCollaboratorCall("chat", time.Since(start), err)
	if err != nil {
		logger.Error("llm: chat completion failed", "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	logger.Debug("llm: chat completion succeeded")
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAIProvider) Embed(ctx context.Context, input []string) ([][]float32, error) {
	if o.client == nil {
		return nil, fmt.Errorf("nil openai client")
	}
	if len(input) == 0 {
		return nil, nil
	}
	logger := common.Logger()
	logger.Debug("llm: creating embeddings", "model", o.embedModel, "items", len(input))
	start := time.Now()
	resp, err := callWithRetry(ctx, func() (*openai.CreateEmbeddingResponse, error) {
		return o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model: openai.EmbeddingModel(o.embedModel),
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: input},
		})
	})
	telemetry.RecordCollaboratorCall("embed", time.Since(start), err)
	if err != nil {
		logger.Error("llm: embedding request failed", "error", err)
		return nil, err
	}
	vectors := make([][]float32, 0, len(resp.Data))
	for _, data := range resp.Data {
		vec := make([]float32, len(data.Embedding))
		for i, f := range data.Embedding {
			vec[i] = float32(f)
		}
		vectors = append(vectors, vec)
	}
	logger.Debug("llm: embedding request succeeded", "returned", len(vectors))
	return vectors, nil
}

func (o *OpenAIProvider) Name() string {
	return "openai"
}

// callWithRetry retries rate-limited and server-side failures with a fixed
// backoff schedule. Other errors surface immediately.
func callWithRetry[T any](ctx context.Context, call func() (*T, error)) (*T, error) {
	const maxRetries = 3
	rateLimitWaits := []time.Duration{20 * time.Second, 45 * time.Second}
	serverErrorWaits := []time.Duration{5 * time.Second, 15 * time.Second}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var wait time.Duration
		switch {
		case attempt >= maxRetries-1:
			return nil, err
		case isRateLimitError(err):
			wait = rateLimitWaits[attempt]
		case isServerError(err):
			wait = serverErrorWaits[attempt]
		default:
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("collaborator call failed after %d attempts: %w", maxRetries, lastErr)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "server_error")
}
