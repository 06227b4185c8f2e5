package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const defaultSystemPrompt = "You are a helpful WhatsApp assistant. Be friendly, concise, and professional."

// ConversationMessage represents a single message in conversation history
type ConversationMessage struct {
	Sender  string // "human" or "bot"
	Message string
}

// GeminiConfig holds the generation settings for one provider.
type GeminiConfig struct {
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// GeminiProvider generates replies with the Gemini API. The client is
// created lazily on first use and shared afterwards.
type GeminiProvider struct {
	cfg    GeminiConfig
	logger zerolog.Logger

	once   sync.Once
	client *genai.Client
	err    error
}

func NewGeminiProvider(cfg GeminiConfig, logger zerolog.Logger) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key not configured")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &GeminiProvider{cfg: cfg, logger: logger}, nil
}

func (p *GeminiProvider) init(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		p.client, p.err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if p.err != nil {
			p.err = fmt.Errorf("failed to create Gemini client: %w", p.err)
		}
	})
	return p.client, p.err
}

// BuildPrompt flattens a conversation into a single prompt.
func BuildPrompt(history []ConversationMessage) string {
	if len(history) == 0 {
		return "Please greet the customer."
	}
	parts := []string{"Previous conversation:"}
	for _, msg := range history {
		role := "Customer"
		if msg.Sender == "bot" {
			role = "You"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", role, msg.Message))
	}
	parts = append(parts, "\nPlease respond to the customer's last message:")
	return strings.Join(parts, "\n")
}

// GenerateReply asks Gemini for the next bot message in the conversation.
func (p *GeminiProvider) GenerateReply(ctx context.Context, history []ConversationMessage) (string, error) {
	client, err := p.init(ctx)
	if err != nil {
		return "", err
	}

	systemInstruction := p.cfg.SystemPrompt
	if systemInstruction == "" {
		systemInstruction = defaultSystemPrompt
	}
	temp := float32(p.cfg.Temperature)
	modelName := strings.TrimPrefix(p.cfg.Model, "models/")

	result, err := client.Models.GenerateContent(
		ctx,
		modelName,
		genai.Text(BuildPrompt(history)),
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{
					{Text: systemInstruction},
				},
			},
			Temperature:     &temp,
			MaxOutputTokens: int32(p.cfg.MaxTokens),
		},
	)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return extractText(result, p.logger)
}

func extractText(result *genai.GenerateContentResponse, logger zerolog.Logger) (string, error) {
	if result == nil {
		return "", errors.New("nil result from Gemini")
	}
	if len(result.Candidates) == 0 {
		return "", errors.New("no candidates in Gemini response")
	}

	candidate := result.Candidates[0]
	if candidate.Content == nil {
		return "", errors.New("nil content in candidate")
	}
	if candidate.FinishReason != "" {
		logger.Debug().Str("finish_reason", string(candidate.FinishReason)).Msg("gemini finished")
	}

	var textParts []string
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(textParts, " "))
	if text == "" {
		return "", errors.New("empty response from Gemini")
	}
	return text, nil
}
