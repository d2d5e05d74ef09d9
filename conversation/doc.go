// 包 conversation 持久化用户与 Agent 之间的会话和消息。
//
// 会话只属于创建它的用户；消息只追加、不修改。ListRecentMessages
// 按时间正序返回最近 N 条，供编排器拼装上下文。
package conversation
