package openai_response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
)

const defaultModelName = "gpt-4o-mini"

type toolHandler func(ctx context.Context, args json.RawMessage) (any, error)

type flowUsageTotals struct {
	APICalls          int
	ToolRounds        int
	InputTokens       int64
	OutputTokens      int64
	TotalTokens       int64
	CachedInputTokens int64
}

// NewStringContentGenerator answers prompt through the Responses API, resolving any function
// tools locally between rounds.
func NewStringContentGenerator(prompt string, opts ...model.GeneratorOption) (model.ContentGenerator[string], error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, utils.WrapIfNotNil(errors.New("prompt is required"))
	}

	cfg := model.ResolveGeneratorOpts(opts...)
	return &textGenerator{client: newClient(cfg), prompt: prompt, cfg: cfg}, nil
}

type textGenerator struct {
	client                 *client
	prompt                 string
	cfg                    model.GeneratorConfig
	promptContextMu        sync.RWMutex
	promptContexts         []*model.PromptContext
	promptContextProviders []model.PromptContextProvider
}

func (g *textGenerator) AddPromptContext(ctx context.Context, messageType model.ContextMessageType, content string) {
	g.promptContextMu.Lock()
	defer g.promptContextMu.Unlock()

	g.promptContexts = append(g.promptContexts, &model.PromptContext{
		MessageType: messageType,
		Content:     content,
	})
	logging.NewLogger(ctx).Debugf(
		"openai_response.textGenerator.AddPromptContext total_contexts=%d",
		len(g.promptContexts),
	)
}

func (g *textGenerator) AddPromptContextProvider(ctx context.Context, provider model.PromptContextProvider) {
	if provider == nil {
		return
	}

	g.promptContextMu.Lock()
	defer g.promptContextMu.Unlock()
	g.promptContextProviders = append(g.promptContextProviders, provider)
}

func (g *textGenerator) Generate(ctx context.Context) (string, model.GenerationMetadata, error) {
	start := time.Now()
	meta := initMetadata(providerName, resolveModelName(g.cfg))
	defer setLatencyMetadata(meta, start)

	log := logging.NewLogger(ctx)
	inputItems, contextCount, err := g.inputItemsWithContext(ctx)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}
	log.Infof(
		"chat_request context_count=%d input_items=%d model=%s tools=%d max_tool_rounds=%d",
		contextCount,
		len(inputItems),
		resolveModelName(g.cfg),
		len(g.cfg.Tools),
		g.cfg.ToolRounds(),
	)

	response, totals, err := g.client.runResponsesFlow(
		ctx,
		responses.ResponseNewParamsInputUnion{OfInputItemList: inputItems},
		g.cfg,
	)
	applyOpenAIResponseMetadata(meta, response, totals)
	if err != nil {
		log.Errorf("error: %v", err)
		return "", meta, err
	}

	return strings.TrimSpace(response.OutputText()), meta, nil
}

func (g *textGenerator) inputItemsWithContext(ctx context.Context) (responses.ResponseInputParam, int, error) {
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

	return buildInputItemsWithContext(g.prompt, contexts), countContexts(contexts), nil
}

func countContexts(contexts []*model.PromptContext) int {
	count := 0
	for _, c := range contexts {
		if c != nil && strings.TrimSpace(c.Content) != "" {
			count++
		}
	}
	return count
}

func buildInputItemsWithContext(prompt string, contexts []*model.PromptContext) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(contexts)+1)
	for _, contextItem := range contexts {
		if contextItem == nil {
			continue
		}
		content := strings.TrimSpace(contextItem.Content)
		if content == "" {
			continue
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(
			content,
			mapContextMessageRole(contextItem.MessageType),
		))
	}

	return append(items, responses.ResponseInputItemParamOfMessage(prompt, responses.EasyInputMessageRoleUser))
}

// runResponsesFlow sends the input and answers function calls until the model produces a
// final message. Running out of rounds returns model.ErrToolRoundsExceeded.
func (c *client) runResponsesFlow(
	ctx context.Context,
	input responses.ResponseNewParamsInputUnion,
	cfg model.GeneratorConfig,
) (*responses.Response, flowUsageTotals, error) {
	log := logging.NewLogger(ctx)
	totals := flowUsageTotals{}

	initialParams, handlers, err := buildInitialParams(ctx, input, cfg)
	if err != nil {
		return nil, totals, utils.WrapIfNotNil(err)
	}
	history := append(responses.ResponseInputParam(nil), input.OfInputItemList...)

	response, err := c.apiClient.Responses.New(ctx, initialParams)
	if err != nil {
		return nil, totals, utils.WrapIfNotNil(err)
	}
	if response == nil {
		return nil, totals, utils.WrapIfNotNil(errors.New("responses API returned nil response"))
	}
	accumulateFlowUsage(&totals, response)

	maxRounds := cfg.ToolRounds()
	for round := 0; ; round++ {
		calls := extractFunctionCalls(response)
		if len(calls) == 0 {
			return response, totals, nil
		}
		if round >= maxRounds {
			return nil, totals, utils.WrapIfNotNil(fmt.Errorf("%w (%d)", model.ErrToolRoundsExceeded, maxRounds))
		}
		totals.ToolRounds = round + 1

		priorItems, err := responseOutputToInputItems(response.Output)
		if err != nil {
			return nil, totals, utils.WrapIfNotNil(err)
		}
		history = append(history, priorItems...)

		log.Infof("tool_round=%d function_calls=%d history_items=%d", round+1, len(calls), len(history))
		for _, call := range calls {
			output, err := invokeTool(ctx, handlers, call)
			if err != nil {
				return nil, totals, utils.WrapIfNotNil(err)
			}
			history = append(history, responses.ResponseInputItemParamOfFunctionCallOutput(call.CallID, output))
		}

		response, err = c.apiClient.Responses.New(ctx, buildStatelessFollowupParams(initialParams, history))
		if err != nil {
			return nil, totals, utils.WrapIfNotNil(err)
		}
		if response == nil {
			return nil, totals, utils.WrapIfNotNil(errors.New("responses API returned nil follow-up response"))
		}
		accumulateFlowUsage(&totals, response)
	}
}

func invokeTool(ctx context.Context, handlers map[string]toolHandler, call responses.ResponseFunctionToolCall) (string, error) {
	handler, ok := handlers[call.Name]
	if !ok {
		return "", fmt.Errorf("no tool handler configured for function %q", call.Name)
	}
	result, err := handler(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		return "", err
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

func buildInitialParams(
	ctx context.Context,
	input responses.ResponseNewParamsInputUnion,
	cfg model.GeneratorConfig,
) (responses.ResponseNewParams, map[string]toolHandler, error) {
	modelName := resolveModelName(cfg)
	cfg = normalizeGeneratorOptionsForModel(modelName, cfg, logging.NewLogger(ctx))

	tools, handlers, err := mapLocalTools(cfg.Tools)
	if err != nil {
		return responses.ResponseNewParams{}, nil, utils.WrapIfNotNil(err)
	}

	params := responses.ResponseNewParams{
		Input: input,
		Model: shared.ResponsesModel(modelName),
		Tools: tools,
	}
	if cfg.Temperature != nil {
		params.Temperature = openai.Float(*cfg.Temperature)
	}
	if cfg.MaxTokens != nil {
		params.MaxOutputTokens = openai.Int(int64(*cfg.MaxTokens))
	}
	return params, handlers, nil
}

func buildStatelessFollowupParams(initial responses.ResponseNewParams, history responses.ResponseInputParam) responses.ResponseNewParams {
	return responses.ResponseNewParams{
		Model:           initial.Model,
		Temperature:     initial.Temperature,
		MaxOutputTokens: initial.MaxOutputTokens,
		Tools:           initial.Tools,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: append(responses.ResponseInputParam(nil), history...),
		},
	}
}

func responseOutputToInputItems(output []responses.ResponseOutputItemUnion) (responses.ResponseInputParam, error) {
	items := make(responses.ResponseInputParam, 0, len(output))
	for _, outputItem := range output {
		var inputItem responses.ResponseInputItemUnion
		if err := json.Unmarshal([]byte(outputItem.RawJSON()), &inputItem); err != nil {
			return nil, utils.WrapIfNotNil(err)
		}
		items = append(items, inputItem.ToParam())
	}
	return items, nil
}

func mapLocalTools(tools []model.Tool) ([]responses.ToolUnionParam, map[string]toolHandler, error) {
	responseTools := make([]responses.ToolUnionParam, 0, len(tools))
	handlers := make(map[string]toolHandler, len(tools))

	for _, tool := range tools {
		if tool.Name == "" {
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

		param := responses.FunctionToolParam{
			Name:       tool.Name,
			Parameters: parameters,
			Strict:     openai.Bool(true),
		}
		if tool.Description != "" {
			param.Description = openai.String(tool.Description)
		}
		responseTools = append(responseTools, responses.ToolUnionParam{OfFunction: &param})
		handlers[tool.Name] = tool.Handler
	}

	return responseTools, handlers, nil
}

func extractFunctionCalls(response *responses.Response) []responses.ResponseFunctionToolCall {
	if response == nil {
		return nil
	}

	calls := make([]responses.ResponseFunctionToolCall, 0)
	for _, item := range response.Output {
		if item.Type != "function_call" {
			continue
		}
		call := item.AsFunctionCall()
		if call.CallID == "" || call.Name == "" {
			continue
		}
		calls = append(calls, call)
	}
	return calls
}

func mapContextMessageRole(messageType model.ContextMessageType) responses.EasyInputMessageRole {
	switch messageType {
	case model.ContextMessageTypeSystem:
		return responses.EasyInputMessageRoleSystem
	case model.ContextMessageTypeAssistant:
		return responses.EasyInputMessageRoleAssistant
	default:
		return responses.EasyInputMessageRoleUser
	}
}

// normalizeGeneratorOptionsForModel drops sampling temperature for reasoning models, which reject it.
func normalizeGeneratorOptionsForModel(modelName string, cfg model.GeneratorConfig, log logging.Logger) model.GeneratorConfig {
	if cfg.Temperature != nil && isReasoningModel(modelName) {
		if log != nil {
			log.Warnf("ignoring temperature for reasoning model %q", modelName)
		}
		cfg.Temperature = nil
	}
	return cfg
}

func isReasoningModel(modelName string) bool {
	name := strings.ToLower(strings.TrimSpace(modelName))
	return strings.HasPrefix(name, "o1") ||
		strings.HasPrefix(name, "o3") ||
		strings.HasPrefix(name, "o4") ||
		strings.HasPrefix(name, "gpt-5")
}

func resolveModelName(cfg model.GeneratorConfig) string {
	if cfg.Model != nil {
		if modelName := strings.TrimSpace(*cfg.Model); modelName != "" {
			return modelName
		}
	}
	return defaultModelName
}

func applyOpenAIResponseMetadata(meta model.GenerationMetadata, response *responses.Response, totals flowUsageTotals) {
	if meta == nil {
		return
	}

	meta[model.MetadataKeyAPICalls] = strconv.Itoa(totals.APICalls)
	meta[model.MetadataKeyToolRounds] = strconv.Itoa(totals.ToolRounds)
	meta[model.MetadataKeyInputTokens] = strconv.FormatInt(totals.InputTokens, 10)
	meta[model.MetadataKeyOutputTokens] = strconv.FormatInt(totals.OutputTokens, 10)
	meta[model.MetadataKeyTotalTokens] = strconv.FormatInt(totals.TotalTokens, 10)
	meta[model.MetadataKeyCachedInputTokens] = strconv.FormatInt(totals.CachedInputTokens, 10)
	if response != nil {
		if response.ID != "" {
			meta[model.MetadataKeyResponseID] = response.ID
		}
		if response.Status != "" {
			meta[model.MetadataKeyResponseStatus] = string(response.Status)
		}
	}
}

func accumulateFlowUsage(totals *flowUsageTotals, response *responses.Response) {
	if totals == nil || response == nil {
		return
	}
	totals.APICalls++
	totals.InputTokens += response.Usage.InputTokens
	totals.OutputTokens += response.Usage.OutputTokens
	totals.TotalTokens += response.Usage.TotalTokens
	totals.CachedInputTokens += response.Usage.InputTokensDetails.CachedTokens
}
