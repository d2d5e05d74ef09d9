// Package api 定义 agentmarket HTTP 接口的请求与响应结构。
//
// 所有 JSON 接口使用统一信封：
//
//	{"success": true, "data": {...}, "timestamp": "..."}
//	{"success": false, "error": {"code": "INSUFFICIENT_CREDITS", "message": "..."}}
//
// 鉴权使用 Authorization: Bearer <JWT>，调用方身份取自 user_id 或 sub 声明。
// 流式接口 /api/v1/agents/{id}/stream 返回 text/event-stream，事件名为
// delta、done、error；/api/v1/agents/{id}/ws 以 JSON 消息推送同样的帧。
package api
