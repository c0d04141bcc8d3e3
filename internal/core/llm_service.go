package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"leaveamark.com/rag-server/internal/logger"
)

const (
	defaultChatModelName      = "gemini-2.0-flash"
	defaultEmbeddingModelName = "text-embedding-004"
)

// Generator streams a completion for a single prompt. onToken is called for
// every text fragment in arrival order; a non-nil return stops the stream.
type Generator interface {
	GenerateStream(ctx context.Context, prompt string, onToken func(string) error) error
}

// LLMService talks to Gemini. It embeds text and streams chat completions.
type LLMService struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
	log            *logger.Logger
}

func NewLLMService(ctx context.Context, apiKey, chatModel, embeddingModel string, log *logger.Logger) (*LLMService, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if chatModel == "" {
		chatModel = defaultChatModelName
	}
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModelName
	}
	return &LLMService{
		client:         client,
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		log:            log.With("service", "LLMService", "provider", "gemini"),
	}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.log.Warn("Error closing GenAI client", "error", err)
		} else {
			s.log.Debug("GenAI client closed")
		}
	}
}

func (s *LLMService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(s.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}

	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

func (s *LLMService) GenerateStream(ctx context.Context, prompt string, onToken func(string) error) error {
	model := s.client.GenerativeModel(s.chatModel)
	iter := model.GenerateContentStream(ctx, genai.Text(prompt))

	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gemini stream failed: %w", err)
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				txt, ok := part.(genai.Text)
				if !ok {
					s.log.Debug("Skipping non-text response part", "type", fmt.Sprintf("%T", part))
					continue
				}
				if txt == "" {
					continue
				}
				if err := onToken(string(txt)); err != nil {
					return err
				}
			}
		}
	}
}
