package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	bedrockdocument "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type toolHandler func(ctx context.Context, args []byte) (any, error)

// NewFactory binds AWS options into a chat generator factory.
func NewFactory(opts Options) model.NewStringContentGeneratorFunc {
	return func(prompt string, generatorOpts ...model.GeneratorOption) (model.ContentGenerator[string], error) {
		if strings.TrimSpace(prompt) == "" {
			return nil, utils.WrapIfNotNil(errors.New("prompt is required"))
		}
		return &textGenerator{prompt: prompt, opts: opts, cfg: model.ResolveGeneratorOpts(generatorOpts...)}, nil
	}
}

type textGenerator struct {
	prompt                 string
	opts                   Options
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
	logging.NewLogger(ctx).Debugf("bedrock.textGenerator.AddPromptContext total_contexts=%d", len(g.promptContexts))
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
	modelName := resolveModelName(g.cfg)
	meta := initMetadata(modelName)
	defer setLatencyMetadata(meta, start)

	log := logging.NewLogger(ctx)
	system, messages, contextCount, err := g.messagesWithContext(ctx)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}
	toolConfig, handlers, err := mapTools(g.cfg.Tools)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}
	client, err := newClient(ctx, g.opts, g.cfg)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}

	log.Infof("chat_request context_count=%d model=%s tools=%d", contextCount, modelName, len(g.cfg.Tools))

	flow := converseFlow{
		client:     client,
		modelID:    modelName,
		system:     system,
		inference:  buildInferenceConfig(g.cfg),
		toolConfig: toolConfig,
		handlers:   handlers,
		maxRounds:  g.cfg.ToolRounds(),
	}
	finalMessage, totals, stopReason, err := flow.run(ctx, messages)
	applyBedrockMetadata(meta, totals, stopReason)
	if err != nil {
		log.Errorf("error: %v", err)
		return "", meta, err
	}

	text := extractTextFromMessage(finalMessage)
	if text == "" {
		return "", meta, utils.WrapIfNotNil(errors.New("response output is empty"))
	}
	return text, meta, nil
}

func (g *textGenerator) messagesWithContext(ctx context.Context) ([]bedrocktypes.SystemContentBlock, []bedrocktypes.Message, int, error) {
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

	system, messages, count := buildMessagesWithContext(g.prompt, contexts)
	return system, messages, count, nil
}

func textMessage(role bedrocktypes.ConversationRole, content string) bedrocktypes.Message {
	return bedrocktypes.Message{
		Role:    role,
		Content: []bedrocktypes.ContentBlock{&bedrocktypes.ContentBlockMemberText{Value: content}},
	}
}

func buildMessagesWithContext(prompt string, contexts []*model.PromptContext) ([]bedrocktypes.SystemContentBlock, []bedrocktypes.Message, int) {
	system := make([]bedrocktypes.SystemContentBlock, 0)
	messages := make([]bedrocktypes.Message, 0, len(contexts)+1)
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
			system = append(system, &bedrocktypes.SystemContentBlockMemberText{Value: content})
		case model.ContextMessageTypeAssistant:
			messages = append(messages, textMessage(bedrocktypes.ConversationRoleAssistant, content))
		default:
			messages = append(messages, textMessage(bedrocktypes.ConversationRoleUser, content))
		}
	}

	messages = append(messages, textMessage(bedrocktypes.ConversationRoleUser, prompt))
	return system, messages, contextCount
}

func buildInferenceConfig(cfg model.GeneratorConfig) *bedrocktypes.InferenceConfiguration {
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}

	inference := &bedrocktypes.InferenceConfiguration{}
	if cfg.MaxTokens != nil {
		inference.MaxTokens = aws.Int32(int32(*cfg.MaxTokens))
	}
	if cfg.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*cfg.Temperature))
	}
	return inference
}

type converseFlow struct {
	client     *bedrockruntime.Client
	modelID    string
	system     []bedrocktypes.SystemContentBlock
	inference  *bedrocktypes.InferenceConfiguration
	toolConfig *bedrocktypes.ToolConfiguration
	handlers   map[string]toolHandler
	maxRounds  int
}

func (f converseFlow) run(ctx context.Context, initialMessages []bedrocktypes.Message) (bedrocktypes.Message, flowUsageTotals, string, error) {
	totals := flowUsageTotals{}
	history := append([]bedrocktypes.Message(nil), initialMessages...)

	for round := 0; ; round++ {
		output, err := f.client.Converse(ctx, &bedrockruntime.ConverseInput{
			ModelId:         aws.String(f.modelID),
			Messages:        history,
			System:          f.system,
			InferenceConfig: f.inference,
			ToolConfig:      f.toolConfig,
		})
		if err != nil {
			return bedrocktypes.Message{}, totals, "", utils.WrapIfNotNil(err)
		}

		totals.APICalls++
		if output.Usage != nil {
			totals.InputTokens += int64(aws.ToInt32(output.Usage.InputTokens))
			totals.OutputTokens += int64(aws.ToInt32(output.Usage.OutputTokens))
			totals.TotalTokens += int64(aws.ToInt32(output.Usage.TotalTokens))
			totals.CachedInputTokens += int64(aws.ToInt32(output.Usage.CacheReadInputTokens))
		}

		message, err := extractOutputMessage(output.Output)
		if err != nil {
			return bedrocktypes.Message{}, totals, "", utils.WrapIfNotNil(err)
		}

		toolUses := extractToolUses(message)
		if len(toolUses) == 0 {
			return message, totals, string(output.StopReason), nil
		}
		if round >= f.maxRounds {
			return bedrocktypes.Message{}, totals, string(output.StopReason),
				utils.WrapIfNotNil(fmt.Errorf("%w (%d)", model.ErrToolRoundsExceeded, f.maxRounds))
		}
		history = append(history, message)
		totals.ToolRounds = round + 1

		resultBlocks, err := f.runTools(ctx, toolUses)
		if err != nil {
			return bedrocktypes.Message{}, totals, "", utils.WrapIfNotNil(err)
		}
		history = append(history, bedrocktypes.Message{
			Role:    bedrocktypes.ConversationRoleUser,
			Content: resultBlocks,
		})
	}
}

func (f converseFlow) runTools(ctx context.Context, toolUses []bedrocktypes.ToolUseBlock) ([]bedrocktypes.ContentBlock, error) {
	resultBlocks := make([]bedrocktypes.ContentBlock, 0, len(toolUses))
	for _, toolUse := range toolUses {
		name := strings.TrimSpace(aws.ToString(toolUse.Name))
		handler, ok := f.handlers[name]
		if !ok {
			return nil, fmt.Errorf("no tool handler configured for function %q", name)
		}

		args, err := toolUse.Input.MarshalSmithyDocument()
		if err != nil {
			return nil, err
		}

		result, callErr := handler(ctx, args)
		status := bedrocktypes.ToolResultStatusSuccess
		var content bedrocktypes.ToolResultContentBlock
		switch value := result.(type) {
		case string:
			content = &bedrocktypes.ToolResultContentBlockMemberText{Value: value}
		default:
			content = &bedrocktypes.ToolResultContentBlockMemberJson{Value: bedrockdocument.NewLazyDocument(value)}
		}
		if callErr != nil {
			status = bedrocktypes.ToolResultStatusError
			content = &bedrocktypes.ToolResultContentBlockMemberText{Value: callErr.Error()}
		}

		resultBlocks = append(resultBlocks, &bedrocktypes.ContentBlockMemberToolResult{
			Value: bedrocktypes.ToolResultBlock{
				ToolUseId: toolUse.ToolUseId,
				Status:    status,
				Content:   []bedrocktypes.ToolResultContentBlock{content},
			},
		})
	}
	return resultBlocks, nil
}

func mapTools(tools []model.Tool) (*bedrocktypes.ToolConfiguration, map[string]toolHandler, error) {
	if len(tools) == 0 {
		return nil, nil, nil
	}

	mappedTools := make([]bedrocktypes.Tool, 0, len(tools))
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

		spec := bedrocktypes.ToolSpecification{
			Name: aws.String(tool.Name),
			InputSchema: &bedrocktypes.ToolInputSchemaMemberJson{
				Value: bedrockdocument.NewLazyDocument(parameters),
			},
		}
		if tool.Description != "" {
			spec.Description = aws.String(tool.Description)
		}
		mappedTools = append(mappedTools, &bedrocktypes.ToolMemberToolSpec{Value: spec})

		handler := tool.Handler
		handlers[tool.Name] = func(ctx context.Context, args []byte) (any, error) {
			return handler(ctx, args)
		}
	}

	return &bedrocktypes.ToolConfiguration{Tools: mappedTools}, handlers, nil
}

func extractOutputMessage(output bedrocktypes.ConverseOutput) (bedrocktypes.Message, error) {
	messageOutput, ok := output.(*bedrocktypes.ConverseOutputMemberMessage)
	if !ok || messageOutput == nil {
		return bedrocktypes.Message{}, errors.New("converse output is not a message")
	}
	return messageOutput.Value, nil
}

func extractToolUses(message bedrocktypes.Message) []bedrocktypes.ToolUseBlock {
	toolUses := make([]bedrocktypes.ToolUseBlock, 0)
	for _, block := range message.Content {
		if toolUse, ok := block.(*bedrocktypes.ContentBlockMemberToolUse); ok && toolUse != nil {
			toolUses = append(toolUses, toolUse.Value)
		}
	}
	return toolUses
}

func extractTextFromMessage(message bedrocktypes.Message) string {
	parts := make([]string, 0)
	for _, block := range message.Content {
		textBlock, ok := block.(*bedrocktypes.ContentBlockMemberText)
		if !ok || textBlock == nil {
			continue
		}
		if value := strings.TrimSpace(textBlock.Value); value != "" {
			parts = append(parts, value)
		}
	}
	return strings.Join(parts, "\n")
}
