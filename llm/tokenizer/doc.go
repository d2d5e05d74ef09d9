// Package tokenizer 提供 token 计数能力，编排器用它把会话历史裁剪到 token 预算之内。
// OpenAI 系列模型使用 tiktoken，其余模型及离线环境使用字符估算。
package tokenizer
