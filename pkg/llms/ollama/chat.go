package ollama

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	json "github.com/goccy/go-json"
	ollamasdk "github.com/rozoomcool/go-ollama-sdk"
)

type toolHandler func(ctx context.Context, args json.RawMessage) (any, error)

type textGenerator struct {
	client                 *client
	prompt                 string
	cfg                    model.GeneratorConfig
	promptContextMu        sync.RWMutex
	promptContexts         []*model.PromptContext
	promptContextProviders []model.PromptContextProvider
}

func NewStringContentGenerator(prompt string, opts ...model.GeneratorOption) (model.ContentGenerator[string], error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, utils.WrapIfNotNil(errors.New("prompt is required"))
	}

	cfg := model.ResolveGeneratorOpts(opts...)
	return &textGenerator{client: newClient(cfg), prompt: prompt, cfg: cfg}, nil
}

func (g *textGenerator) AddPromptContext(ctx context.Context, messageType model.ContextMessageType, content string) {
	g.promptContextMu.Lock()
	defer g.promptContextMu.Unlock()

	g.promptContexts = append(g.promptContexts, &model.PromptContext{
		MessageType: messageType,
		Content:     content,
	})
	logging.NewLogger(ctx).Debugf("ollama.textGenerator.AddPromptContext total_contexts=%d", len(g.promptContexts))
}

func (g *textGenerator) AddPromptContextProvider(_ context.Context, provider model.PromptContextProvider) {
	if provider == nil {
		return
	}
	g.promptContextMu.Lock()
	defer g.promptContextMu.Unlock()
	g.promptContextProviders = append(g.promptContextProviders, provider)
}

// Generate uses the SDK for plain chats and the raw /api/chat endpoint when tools or sampling
// options are configured, since the SDK exposes neither.
func (g *textGenerator) Generate(ctx context.Context) (string, model.GenerationMetadata, error) {
	start := time.Now()
	modelName := resolveModelName(g.cfg, defaultGenerationModelName)
	meta := initMetadata(modelName)
	defer setLatencyMetadata(meta, start)

	log := logging.NewLogger(ctx)
	messages, contextCount, err := g.messagesWithContext(ctx)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}
	handlers, err := mapTools(g.cfg.Tools)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}

	log.Infof(
		"chat_request context_count=%d model=%s tools=%d base_url=%s",
		contextCount,
		modelName,
		len(g.cfg.Tools),
		g.client.baseURL,
	)

	var finalText string
	if len(handlers) == 0 && buildOllamaChatOptions(g.cfg) == nil {
		finalText, err = g.client.apiClient.Chat(modelName, messages)
		meta[model.MetadataKeyAPICalls] = "1"
		if err != nil {
			err = utils.WrapIfNotNil(err)
		}
	} else {
		var totals flowUsageTotals
		finalText, totals, err = runChatFlow(ctx, g.client, modelName, g.cfg, messages, handlers)
		applyOllamaMetadata(meta, totals)
	}
	if err != nil {
		log.Errorf("error: %v", err)
		return "", meta, err
	}

	finalText = strings.TrimSpace(finalText)
	if finalText == "" {
		return "", meta, utils.WrapIfNotNil(errors.New("response output is empty"))
	}
	return finalText, meta, nil
}

func (g *textGenerator) messagesWithContext(ctx context.Context) ([]ollamasdk.ChatMessage, int, error) {
	g.promptContextMu.RLock()
	contexts := append([]*model.PromptContext(nil), g.promptContexts...)
	providers := append([]model.PromptContextProvider(nil), g.promptContextProviders...)
	g.promptContextMu.RUnlock()

	for _, provider := range providers {
		provided, err := provider.GenerateContext(ctx)
		if err != nil {
			return nil, 0, utils.WrapIfNotNil(err)
		}
		contexts = append(contexts, provided...)
	}

	messages, count := buildMessagesWithContext(g.prompt, contexts)
	return messages, count, nil
}

func buildMessagesWithContext(prompt string, contexts []*model.PromptContext) ([]ollamasdk.ChatMessage, int) {
	messages := make([]ollamasdk.ChatMessage, 0, len(contexts)+1)
	contextCount := 0

	for _, contextItem := range contexts {
		if contextItem == nil {
			continue
		}
		content := strings.TrimSpace(contextItem.Content)
		if content == "" {
			continue
		}

		contextCount++
		role := "user"
		switch contextItem.MessageType {
		case model.ContextMessageTypeSystem:
			role = "system"
		case model.ContextMessageTypeAssistant:
			role = "assistant"
		}
		messages = append(messages, ollamasdk.ChatMessage{Role: role, Content: content})
	}

	messages = append(messages, ollamasdk.ChatMessage{Role: "user", Content: prompt})
	return messages, contextCount
}

type flowUsageTotals struct {
	APICalls     int
	ToolRounds   int
	InputTokens  int64
	OutputTokens int64
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Tools    []ollamaToolDef     `json:"tools,omitempty"`
	Options  *ollamaChatOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string            `json:"model"`
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	PromptEvalCount int64             `json:"prompt_eval_count,omitempty"`
	EvalCount       int64             `json:"eval_count,omitempty"`
	Error           string            `json:"error,omitempty"`
}

type ollamaChatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type ollamaToolCall struct {
	ID       string                 `json:"id,omitempty"`
	Function ollamaToolFunctionCall `json:"function"`
}

type ollamaToolFunctionCall struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

type ollamaToolDef struct {
	Type     string                    `json:"type"`
	Function ollamaToolFunctionDefBody `json:"function"`
}

type ollamaToolFunctionDefBody struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ollamaChatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

func runChatFlow(
	ctx context.Context,
	c *client,
	modelName string,
	cfg model.GeneratorConfig,
	initialMessages []ollamasdk.ChatMessage,
	handlers map[string]toolHandler,
) (string, flowUsageTotals, error) {
	history := make([]ollamaChatMessage, 0, len(initialMessages)+2)
	for _, message := range initialMessages {
		history = append(history, ollamaChatMessage{Role: message.Role, Content: message.Content})
	}

	request := ollamaChatRequest{
		Model:   modelName,
		Stream:  false,
		Tools:   buildOllamaToolDefs(cfg.Tools),
		Options: buildOllamaChatOptions(cfg),
	}
	totals := flowUsageTotals{}
	maxRounds := cfg.ToolRounds()

	for round := 0; ; round++ {
		request.Messages = history
		var response ollamaChatResponse
		if err := c.postJSON(ctx, "/api/chat", request, &response); err != nil {
			return "", totals, err
		}
		if strings.TrimSpace(response.Error) != "" {
			return "", totals, utils.WrapIfNotNil(errors.New(strings.TrimSpace(response.Error)))
		}

		totals.APICalls++
		totals.InputTokens += response.PromptEvalCount
		totals.OutputTokens += response.EvalCount

		assistantMessage := response.Message
		if strings.TrimSpace(assistantMessage.Role) == "" {
			assistantMessage.Role = "assistant"
		}
		if len(handlers) == 0 || len(assistantMessage.ToolCalls) == 0 {
			return assistantMessage.Content, totals, nil
		}
		if round >= maxRounds {
			return "", totals, utils.WrapIfNotNil(fmt.Errorf("%w (%d)", model.ErrToolRoundsExceeded, maxRounds))
		}

		history = append(history, assistantMessage)
		totals.ToolRounds = round + 1

		for _, toolCall := range assistantMessage.ToolCalls {
			name, handler, err := resolveToolHandler(toolCall.Function.Name, handlers)
			if err != nil {
				return "", totals, utils.WrapIfNotNil(err)
			}
			args, err := normalizeToolArguments(toolCall.Function.Arguments)
			if err != nil {
				return "", totals, utils.WrapIfNotNil(err)
			}

			result, callErr := handler(ctx, args)
			content, err := toolResultContent(result, callErr)
			if err != nil {
				return "", totals, utils.WrapIfNotNil(err)
			}
			history = append(history, ollamaChatMessage{
				Role:       "tool",
				Content:    content,
				ToolName:   name,
				ToolCallID: toolCall.ID,
			})
		}
	}
}

// toolResultContent reports handler errors back to the model instead of aborting the chat.
func toolResultContent(result any, callErr error) (string, error) {
	if callErr != nil {
		result = map[string]any{"error": callErr.Error()}
	}
	if text, ok := result.(string); ok {
		return text, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func mapTools(tools []model.Tool) (map[string]toolHandler, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	handlers := make(map[string]toolHandler, len(tools))
	for _, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return nil, errors.New("tool name is required")
		}
		if tool.Handler == nil {
			return nil, fmt.Errorf("tool handler is required for %q", name)
		}
		if _, exists := handlers[name]; exists {
			return nil, fmt.Errorf("duplicate tool name %q", name)
		}
		handlers[name] = tool.Handler
	}
	return handlers, nil
}

func buildOllamaToolDefs(tools []model.Tool) []ollamaToolDef {
	if len(tools) == 0 {
		return nil
	}

	out := make([]ollamaToolDef, 0, len(tools))
	for _, tool := range tools {
		parameters := map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
		if tool.InputSchema != nil {
			parameters = map[string]any(tool.InputSchema)
		}
		out = append(out, ollamaToolDef{
			Type: "function",
			Function: ollamaToolFunctionDefBody{
				Name:        strings.TrimSpace(tool.Name),
				Description: tool.Description,
				Parameters:  parameters,
			},
		})
	}
	return out
}

func buildOllamaChatOptions(cfg model.GeneratorConfig) *ollamaChatOptions {
	if cfg.Temperature == nil && cfg.MaxTokens == nil {
		return nil
	}

	options := &ollamaChatOptions{}
	if cfg.Temperature != nil {
		temperature := *cfg.Temperature
		options.Temperature = &temperature
	}
	if cfg.MaxTokens != nil {
		numPredict := *cfg.MaxTokens
		options.NumPredict = &numPredict
	}
	return options
}

// resolveToolHandler tolerates the "functions." style prefixes some local models emit.
func resolveToolHandler(name string, handlers map[string]toolHandler) (string, toolHandler, error) {
	candidate := strings.TrimSpace(name)
	if candidate == "" {
		return "", nil, errors.New("tool call name is required")
	}
	if handler, ok := handlers[candidate]; ok {
		return candidate, handler, nil
	}
	for _, prefix := range []string{"tool.", "function.", "functions."} {
		trimmed := strings.TrimPrefix(candidate, prefix)
		if trimmed == candidate {
			continue
		}
		if handler, ok := handlers[trimmed]; ok {
			return trimmed, handler, nil
		}
	}
	return "", nil, fmt.Errorf("no tool handler configured for function %q", candidate)
}

func normalizeToolArguments(arguments any) (json.RawMessage, error) {
	switch value := arguments.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid([]byte(trimmed)) {
			return nil, fmt.Errorf("tool arguments are not valid JSON: %q", trimmed)
		}
		return json.RawMessage(trimmed), nil
	default:
		encoded, err := json.Marshal(arguments)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(bytes.TrimSpace(encoded)), nil
	}
}

func applyOllamaMetadata(meta model.GenerationMetadata, totals flowUsageTotals) {
	meta[model.MetadataKeyAPICalls] = strconv.Itoa(totals.APICalls)
	meta[model.MetadataKeyToolRounds] = strconv.Itoa(totals.ToolRounds)
	meta[model.MetadataKeyInputTokens] = strconv.FormatInt(totals.InputTokens, 10)
	meta[model.MetadataKeyOutputTokens] = strconv.FormatInt(totals.OutputTokens, 10)
	meta[model.MetadataKeyTotalTokens] = strconv.FormatInt(totals.InputTokens+totals.OutputTokens, 10)
}
