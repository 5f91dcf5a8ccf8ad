package memory

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

// Extractor is the structured-extraction capability backing summarization
// and fact mining. Both calls return decoded structured output or an
// error; a malformed response is an error, never a partial result.
type Extractor interface {
	Summarize(ctx context.Context, conversation string) (*SummaryResponse, error)
	ExtractFacts(ctx context.Context, conversation string) (*FactExtractionResponse, error)
}

const summarizePrompt = `You compress conversation history for an AI assistant's memory.
Summarize the conversation below in 2-4 sentences, preserving decisions, open questions, and anything the user asked to remember.
Also list durable key facts about the user, any tools that were used, and the main topics.
Respond with JSON only: {"summary": "...", "key_facts": ["..."], "tools_used": ["..."], "topics": ["..."]}`

const extractFactsPrompt = `You mine durable facts about the user from a conversation exchange.
Extract only facts worth remembering across sessions: identity, preferences, skills, ongoing context.
Ignore pleasantries and one-off requests. Return an empty list if nothing qualifies.
Respond with JSON only: {"facts": [{"content": "...", "kind": "fact|preference|skill|context", "importance": 0.0-1.0}]}`

// LLMExtractor implements Extractor over an OpenAI-compatible chat
// completions endpoint with JSON response format.
type LLMExtractor struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewLLMExtractor(baseURL, apiKey, model string) *LLMExtractor {
	return &LLMExtractor{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (l *LLMExtractor) Summarize(ctx context.Context, conversation string) (*SummaryResponse, error) {
	raw, err := l.complete(ctx, summarizePrompt, conversation)
	if err != nil {
		return nil, err
	}
	var out SummaryResponse
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode summary response: %w", err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, fmt.Errorf("summary response has empty summary")
	}
	return &out, nil
}

func (l *LLMExtractor) ExtractFacts(ctx context.Context, conversation string) (*FactExtractionResponse, error) {
	raw, err := l.complete(ctx, extractFactsPrompt, conversation)
	if err != nil {
		return nil, err
	}
	var out FactExtractionResponse
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode fact extraction response: %w", err)
	}
	return &out, nil
}

func (l *LLMExtractor) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: l.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0.2,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call chat endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	// Some local models wrap JSON in code fences despite json_object mode.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content), nil
}

// RenderConversation flattens turns into the plain-text transcript form the
// extraction prompts expect.
func RenderConversation(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return b.String()
}
