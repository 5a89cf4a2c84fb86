package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	"google.golang.org/genai"
)

type toolHandler func(ctx context.Context, args json.RawMessage) (any, error)

type textGenerator struct {
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
	return &textGenerator{prompt: prompt, cfg: model.ResolveGeneratorOpts(opts...)}, nil
}

func (g *textGenerator) AddPromptContext(ctx context.Context, messageType model.ContextMessageType, content string) {
	g.promptContextMu.Lock()
	defer g.promptContextMu.Unlock()

	g.promptContexts = append(g.promptContexts, &model.PromptContext{
		MessageType: messageType,
		Content:     content,
	})
	logging.NewLogger(ctx).Debugf("gemini.textGenerator.AddPromptContext total_contexts=%d", len(g.promptContexts))
}

func (g *textGenerator) AddPromptContextProvider(_ context.Context, provider model.PromptContextProvider) {
	if provider == nil {
		return
	}
	g.promptContextMu.Lock()
	defer g.promptContextMu.Unlock()
	g.promptContextProviders = append(g.promptContextProviders, provider)
}

func (g *textGenerator) Generate(ctx context.Context) (string, model.GenerationMetadata, error) {
	start := time.Now()
	modelName := resolveModelName(g.cfg, defaultGenerationModelName)
	meta := initMetadata(modelName)
	defer setLatencyMetadata(meta, start)

	log := logging.NewLogger(ctx)
	systemInstruction, contents, contextCount, err := g.contentsWithContext(ctx)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}

	genTools, handlers, err := mapTools(g.cfg.Tools)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}

	client, err := newAPIClient(ctx, g.cfg.URL, g.cfg.AuthToken)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}

	log.Infof(
		"chat_request context_count=%d model=%s tools=%d max_tool_rounds=%d",
		contextCount,
		modelName,
		len(g.cfg.Tools),
		g.cfg.ToolRounds(),
	)

	config := buildGenerateContentConfig(g.cfg, systemInstruction, genTools)
	response, totals, err := runGenerateFlow(ctx, client, modelName, contents, config, handlers, g.cfg.ToolRounds())
	applyGenerateMetadata(meta, response, totals)
	if err != nil {
		log.Errorf("error: %v", err)
		return "", meta, err
	}

	text := strings.TrimSpace(response.Text())
	if text == "" {
		return "", meta, utils.WrapIfNotNil(errors.New("response output is empty"))
	}
	return text, meta, nil
}

func (g *textGenerator) contentsWithContext(ctx context.Context) (*genai.Content, []*genai.Content, int, error) {
	g.promptContextMu.RLock()
	contexts := append([]*model.PromptContext(nil), g.promptContexts...)
	providers := append([]model.PromptContextProvider(nil), g.promptContextProviders...)
	g.promptContextMu.RUnlock()

	for _, provider := range providers {
		provided, err := provider.GenerateContext(ctx)
		if err != nil {
			return nil, nil, 0, utils.WrapIfNotNil(err)
		}
		contexts = append(contexts, provided...)
	}

	systemInstruction, contents, count := buildContentsWithContext(g.prompt, contexts)
	return systemInstruction, contents, count, nil
}

// buildContentsWithContext folds system contexts into one system instruction and keeps the rest
// as conversation turns ahead of the prompt.
func buildContentsWithContext(prompt string, contexts []*model.PromptContext) (*genai.Content, []*genai.Content, int) {
	systemParts := make([]string, 0)
	contents := make([]*genai.Content, 0, len(contexts)+1)
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
		switch contextItem.MessageType {
		case model.ContextMessageTypeSystem:
			systemParts = append(systemParts, content)
		case model.ContextMessageTypeAssistant:
			contents = append(contents, genai.NewContentFromText(content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(content, genai.RoleUser))
		}
	}

	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))
	if len(systemParts) == 0 {
		return nil, contents, contextCount
	}
	return genai.NewContentFromText(strings.Join(systemParts, "\n\n"), genai.RoleUser), contents, contextCount
}

func buildGenerateContentConfig(cfg model.GeneratorConfig, systemInstruction *genai.Content, tools []*genai.Tool) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{SystemInstruction: systemInstruction}

	if cfg.Temperature != nil {
		temp := float32(*cfg.Temperature)
		config.Temperature = &temp
	}
	if cfg.MaxTokens != nil {
		config.MaxOutputTokens = int32(*cfg.MaxTokens)
	}
	if len(tools) > 0 {
		config.Tools = tools
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAuto,
			},
		}
	}
	return config
}

func runGenerateFlow(
	ctx context.Context,
	client *genai.Client,
	modelName string,
	initialContents []*genai.Content,
	config *genai.GenerateContentConfig,
	handlers map[string]toolHandler,
	maxRounds int,
) (*genai.GenerateContentResponse, generationTotals, error) {
	totals := generationTotals{}
	history := append([]*genai.Content(nil), initialContents...)

	response, err := client.Models.GenerateContent(ctx, modelName, history, config)
	if err != nil {
		return nil, totals, utils.WrapIfNotNil(err)
	}
	accumulateGenerationTotals(&totals, response)

	for round := 0; ; round++ {
		functionCalls := response.FunctionCalls()
		if len(functionCalls) == 0 {
			return response, totals, nil
		}
		if round >= maxRounds {
			return nil, totals, utils.WrapIfNotNil(fmt.Errorf("%w (%d)", model.ErrToolRoundsExceeded, maxRounds))
		}
		totals.ToolRounds = round + 1

		for _, call := range functionCalls {
			handler, ok := handlers[call.Name]
			if !ok {
				return nil, totals, utils.WrapIfNotNil(fmt.Errorf("no tool handler configured for function %q", call.Name))
			}
			args, err := json.Marshal(call.Args)
			if err != nil {
				return nil, totals, utils.WrapIfNotNil(err)
			}
			result, err := handler(ctx, args)
			if err != nil {
				return nil, totals, utils.WrapIfNotNil(err)
			}

			history = append(history, genai.NewContentFromFunctionCall(call.Name, call.Args, genai.RoleModel))
			toolOutput := map[string]any{"output": result}
			if strings.TrimSpace(call.ID) != "" {
				toolOutput["id"] = call.ID
			}
			history = append(history, genai.NewContentFromFunctionResponse(call.Name, toolOutput, genai.RoleUser))
		}

		response, err = client.Models.GenerateContent(ctx, modelName, history, config)
		if err != nil {
			return nil, totals, utils.WrapIfNotNil(err)
		}
		accumulateGenerationTotals(&totals, response)
	}
}

func mapTools(tools []model.Tool) ([]*genai.Tool, map[string]toolHandler, error) {
	if len(tools) == 0 {
		return nil, nil, nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	handlers := make(map[string]toolHandler, len(tools))
	for _, tool := range tools {
		if strings.TrimSpace(tool.Name) == "" {
			return nil, nil, errors.New("tool name is required")
		}
		if tool.Handler == nil {
			return nil, nil, fmt.Errorf("tool handler is required for %q", tool.Name)
		}
		if _, exists := handlers[tool.Name]; exists {
			return nil, nil, fmt.Errorf("duplicate tool name %q", tool.Name)
		}

		parameters := map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
		if tool.InputSchema != nil {
			parameters = map[string]any(tool.InputSchema)
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:                 tool.Name,
			Description:          tool.Description,
			ParametersJsonSchema: parameters,
		})
		handlers[tool.Name] = tool.Handler
	}

	return []*genai.Tool{{FunctionDeclarations: declarations}}, handlers, nil
}
