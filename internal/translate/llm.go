package translate

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"sudooom.im.chatsync/internal/config"
)

const (
	ProviderNone      = "none"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// languageNames 语言代码与名称，未知代码原样使用
var languageNames = map[string]string{
	"en": "English",
	"hi": "Hindi",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"ru": "Russian",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"ar": "Arabic",
	"bn": "Bengali",
	"ur": "Urdu",
	"ta": "Tamil",
	"te": "Telugu",
	"ml": "Malayalam",
	"kn": "Kannada",
	"gu": "Gujarati",
	"pa": "Punjabi",
	"mr": "Marathi",
	"or": "Odia",
}

// LanguageName 返回语言名称
func LanguageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}

// IsSupported 是否为已知语言代码
func IsSupported(code string) bool {
	_, ok := languageNames[code]
	return ok
}

const systemPrompt = `You are a translation engine for a chat application.
Only return the translated text, nothing else.
If the text is already in the target language, return it as is.`

// LLMBackend 基于 langchaingo 的翻译服务
type LLMBackend struct {
	llm llms.Model
}

// NewLLMBackend 按配置创建翻译服务；provider 为 none 时返回 nil
func NewLLMBackend(cfg config.TranslateConfig) (*LLMBackend, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case ProviderNone, "":
		return nil, nil

	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported translation provider: %s", cfg.Provider)
	}

	return NewLLMBackendFromModel(model), nil
}

// NewLLMBackendFromModel 使用已有模型
func NewLLMBackendFromModel(model llms.Model) *LLMBackend {
	return &LLMBackend{llm: model}
}

// Translate 调用模型翻译
func (b *LLMBackend) Translate(ctx context.Context, text, from, to string) (string, error) {
	userPrompt := fmt.Sprintf("Translate the following text from %s to %s.\n\nText to translate: %q",
		LanguageName(from), LanguageName(to), text)

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, userPrompt),
	}

	response, err := b.llm.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		return "", fmt.Errorf("generate translation: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return response.Choices[0].Content, nil
}
