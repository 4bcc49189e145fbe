package gembot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"
)

// LLM is the language-model boundary: a single request/response
// invocation with ordered history and new input. No streaming.
type LLM interface {
	// Invoke sends the conversation history and the new input to the
	// model, returning the model's text output.
	Invoke(ctx context.Context, history []Turn, input string) (string, error)

	// Name identifies the backing provider (for logs and the status API).
	Name() string
}

// newLLM creates the configured model backend. Returns nil (and no
// error) when the selected provider has no API key set; the assistant
// treats a nil backend as unconfigured.
func newLLM(cfg *AIConfig, handler slog.Handler, httpClient *http.Client) (LLM, error) {
	logger := slog.New(handler).With(loggerNameKey, "llm")
	switch cfg.Provider {
	case AIProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, nil
		}
		return newGeminiLLM(cfg, logger)
	case AIProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, nil
		}
		return newOpenAILLM(cfg, logger, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown ai provider: %q", cfg.Provider)
	}
}

// geminiLLM invokes the Google generative language API via the genai
// client, replaying history through a chat session.
type geminiLLM struct {
	client            *genai.Client
	model             string
	systemInstruction string
	logger            *slog.Logger
}

func newGeminiLLM(cfg *AIConfig, logger *slog.Logger) (*geminiLLM, error) {
	client, err := genai.NewClient(
		context.Background(),
		option.WithAPIKey(cfg.GeminiAPIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	return &geminiLLM{
		client:            client,
		model:             cfg.GeminiModel,
		systemInstruction: cfg.SystemInstruction,
		logger:            logger,
	}, nil
}

func (g *geminiLLM) Name() string {
	return AIProviderGemini
}

func (g *geminiLLM) Invoke(
	ctx context.Context,
	history []Turn,
	input string,
) (string, error) {
	model := g.client.GenerativeModel(g.model)
	if g.systemInstruction != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(g.systemInstruction)},
		}
	}

	session := model.StartChat()
	session.History = make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		session.History = append(
			session.History, &genai.Content{
				Role:  string(turn.Role),
				Parts: []genai.Part{genai.Text(turn.Text)},
			},
		)
	}

	g.logger.InfoContext(
		ctx,
		"invoking model",
		"model", g.model,
		"history_len", len(history),
	)
	resp, err := session.SendMessage(ctx, genai.Text(input))
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		break
	}
	return sb.String(), nil
}

// openaiLLM invokes the OpenAI chat completions API, mapping model
// turns onto the assistant role.
type openaiLLM struct {
	client            *openai.Client
	model             string
	systemInstruction string
	logger            *slog.Logger
}

func newOpenAILLM(
	cfg *AIConfig,
	logger *slog.Logger,
	httpClient *http.Client,
) *openaiLLM {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return &openaiLLM{
		client:            openai.NewClientWithConfig(clientCfg),
		model:             cfg.OpenAIModel,
		systemInstruction: cfg.SystemInstruction,
		logger:            logger,
	}
}

func (o *openaiLLM) Name() string {
	return AIProviderOpenAI
}

func (o *openaiLLM) Invoke(
	ctx context.Context,
	history []Turn,
	input string,
) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if o.systemInstruction != "" {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: o.systemInstruction,
			},
		)
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == TurnRoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    role,
				Content: turn.Text,
			},
		)
	}
	messages = append(
		messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: input,
		},
	)

	o.logger.InfoContext(
		ctx,
		"invoking model",
		"model", o.model,
		"history_len", len(history),
	)
	resp, err := o.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model:    o.model,
			Messages: messages,
		},
	)
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
