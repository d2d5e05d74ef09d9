// Package openaicompat 实现 OpenAI 兼容协议的上游模型客户端。
//
// 同步补全走 /v1/chat/completions，流式补全在同一端点上设置 stream=true
// 与 stream_options.include_usage=true，以便在最后一帧拿到 token 用量；
// 模型列表走 /v1/models。
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "openai",
//	    APIKey:       cfg.APIKey,
//	    BaseURL:      "https://api.openai.com",
//	    DefaultModel: "gpt-4o-mini",
//	}, logger)
package openaicompat
