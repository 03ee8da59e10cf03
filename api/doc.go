// Package api 描述 AgentGate 对外暴露的 HTTP 接口。
//
// # 路由
//
//	POST /api/v1/approvals                   创建审批请求（agent，API key）
//	GET  /api/v1/approvals                   列出待处理请求
//	GET  /api/v1/approvals/{id}              查询请求
//	GET  /api/v1/approvals/{id}/await        长轮询直到终态
//	POST /api/v1/approvals/{id}/redispatch   重新派发通知
//	POST /api/v1/approvals/{id}/resolve      人工覆盖（JWT，需审批角色）
//	GET  /api/v1/sessions/{ref}/events       websocket 会话事件
//	GET  /api/v1/diagnostics                 诊断信息
//	POST /telegram/webhook                   Telegram 回调
//	GET  /health /healthz /ready /version    探针
//
// metrics 端口单独提供 Prometheus 文本格式的 /metrics。
//
// # 鉴权
//
// agent 调用携带 X-API-Key；人工覆盖需要 Authorization: Bearer <JWT>，
// 令牌 roles 声明中包含配置的审批角色。
package api
