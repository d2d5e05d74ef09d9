package openaicompat

import (
	"github.com/BaSui01/agentmarket/llm"
)

// OpenAI 兼容 API 的线上格式。

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireResponseFormat struct {
	Type string `json:"type"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireRequest struct {
	Model            string              `json:"model"`
	Messages         []wireMessage       `json:"messages"`
	Temperature      float64             `json:"temperature"`
	MaxTokens        int                 `json:"max_tokens,omitempty"`
	TopP             float64             `json:"top_p"`
	FrequencyPenalty float64             `json:"frequency_penalty"`
	PresencePenalty  float64             `json:"presence_penalty"`
	ResponseFormat   *wireResponseFormat `json:"response_format,omitempty"`
	Stop             []string            `json:"stop,omitempty"`
	Seed             *int64              `json:"seed,omitempty"`
	Stream           bool                `json:"stream,omitempty"`
	StreamOptions    *wireStreamOptions  `json:"stream_options,omitempty"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason"`
	Message      wireMessage  `json:"message"`
	Delta        *wireMessage `json:"delta,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
	Created int64        `json:"created,omitempty"`
}

type wireModelList struct {
	Data []llm.Model `json:"data"`
}

func buildWireRequest(req *llm.ChatRequest, model string, stream bool) wireRequest {
	p := req.Params.Resolve()
	body := wireRequest{
		Model:            model,
		Messages:         make([]wireMessage, 0, len(req.Messages)),
		Temperature:      p.Temperature,
		MaxTokens:        p.MaxTokens,
		TopP:             p.TopP,
		FrequencyPenalty: p.FrequencyPenalty,
		PresencePenalty:  p.PresencePenalty,
		Stop:             p.Stop,
		Seed:             p.Seed,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	if p.ResponseFormat != "" && p.ResponseFormat != llm.ResponseFormatText {
		body.ResponseFormat = &wireResponseFormat{Type: p.ResponseFormat}
	}
	if stream {
		body.Stream = true
		body.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}
	return body
}

func (u *wireUsage) toUsage() llm.ChatUsage {
	if u == nil {
		return llm.ChatUsage{}
	}
	return llm.ChatUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
