/*
包 server 提供 HTTP 服务器生命周期管理：非阻塞启动、信号监听与优雅关闭。

Manager 封装 net/http.Server。cmd/agentmarket 为 API 端口与 metrics 端口
各创建一个 Manager；WaitForShutdown 监听 SIGINT/SIGTERM 或服务异常，
Shutdown 在配置的超时内排空进行中的请求（包括流式响应）。
*/
package server
