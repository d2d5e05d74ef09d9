/*
包 llm 定义 agentmarket 与上游大语言模型服务之间的统一契约。

# 概述

本包只包含类型与接口，不包含任何网络实现：

  - [Provider]：补全 / 流式补全 / 模型列表 / 健康检查
  - [ChatRequest] / [ChatResponse] / [StreamChunk] / [ChatUsage]
  - [ModelParams]：Agent 上保存的类型化采样参数，[ModelParams.Resolve]
    负责填充默认值（temperature 0.7、max_tokens 2000、top_p 1、
    frequency/presence penalty 0）

具体实现位于 llm/providers/openaicompat；缓存位于 llm/cache。
*/
package llm
