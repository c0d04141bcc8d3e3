package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"leaveamark.com/rag-server/internal/logger"
)

const (
	EventSources = "sources"
	EventToken   = "token"
	EventError   = "error"
	EventDone    = "done"

	// maxHistoryMessages keeps the last three exchanges.
	maxHistoryMessages = 6

	searchFailedMessage = "Failed to search your documents. Please try again."
	streamFailedMessage = "An error occurred while generating the response"

	systemFraming = `You are a helpful AI assistant for "Leave a Mark", a presentation agency. ` +
		`Answer the user's question based on the provided context from their uploaded documents.`

	answerInstructions = `Instructions:
- Answer based on the provided context when available
- If the context doesn't contain relevant information, say so honestly
- Be concise but thorough
- When referencing information, mention which source it came from
- Format your response in a clear, readable way`
)

var ErrStreamGenerationFailed = errors.New("stream generation failed")

// Event is one server-sent event of a chat answer.
type Event struct {
	Type string
	Data string
}

type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
	// Sources are the citations an assistant turn was answered from.
	Sources []RetrievedContext `json:"sources,omitempty"`
}

// Searcher is satisfied by SearchService.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]RetrievedContext, error)
}

// ChatService answers questions over the document corpus as a stream of events.
type ChatService struct {
	searcher  Searcher
	generator Generator
	log       *logger.Logger
}

func NewChatService(searcher Searcher, generator Generator, log *logger.Logger) *ChatService {
	if log == nil {
		log = logger.NewNop()
	}
	return &ChatService{
		searcher:  searcher,
		generator: generator,
		log:       log.With("service", "ChatService"),
	}
}

// Stream emits sources, then tokens, then done. Failures are reported as a
// single error event followed by done. The returned error is non-nil only
// when emit itself fails, which usually means the client went away.
func (s *ChatService) Stream(ctx context.Context, query string, history []ChatMessage, emit func(Event) error) error {
	contexts, err := s.searcher.Search(ctx, query, NumRelevantChunks)
	if err != nil {
		s.log.Error("Context search failed", "error", err)
		return s.fail(emit, searchFailedMessage)
	}
	if contexts == nil {
		contexts = []RetrievedContext{}
	}

	sources, err := json.Marshal(contexts)
	if err != nil {
		return fmt.Errorf("failed to encode sources: %w", err)
	}
	if err := emit(Event{Type: EventSources, Data: string(sources)}); err != nil {
		return err
	}

	prompt := BuildPrompt(query, contexts, history)

	var emitErr error
	genErr := s.generator.GenerateStream(ctx, prompt, func(token string) error {
		if err := emit(Event{Type: EventToken, Data: token}); err != nil {
			emitErr = err
			return err
		}
		return nil
	})
	if emitErr != nil {
		return emitErr
	}
	if genErr != nil {
		s.log.Error("Answer generation failed", "error", fmt.Errorf("%w: %v", ErrStreamGenerationFailed, genErr))
		return s.fail(emit, streamFailedMessage)
	}

	return emit(Event{Type: EventDone})
}

func (s *ChatService) fail(emit func(Event) error, message string) error {
	if err := emit(Event{Type: EventError, Data: message}); err != nil {
		return err
	}
	return emit(Event{Type: EventDone})
}

// BuildPrompt assembles the grounded prompt. Sections without content are left out.
func BuildPrompt(query string, contexts []RetrievedContext, history []ChatMessage) string {
	var b strings.Builder
	b.WriteString(systemFraming)
	b.WriteString("\n\n")

	if len(contexts) > 0 {
		b.WriteString("CONTEXT FROM DOCUMENTS:\n")
		for i, c := range contexts {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "[Source %d: %s]\n%s", i+1, c.Filename, c.Content)
		}
		b.WriteString("\n\n")
	}

	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	if len(history) > 0 {
		b.WriteString("CONVERSATION HISTORY:\n")
		for i, m := range history {
			if i > 0 {
				b.WriteByte('\n')
			}
			role := "Assistant"
			if m.Role == "user" {
				role = "User"
			}
			fmt.Fprintf(&b, "%s: %s", role, m.Content)
		}
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "USER QUESTION: %s\n\n", query)
	b.WriteString(answerInstructions)
	return b.String()
}
