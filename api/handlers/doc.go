/*
Package handlers 实现 AgentGate 的 HTTP 接口。

# 核心类型

  - ApprovalHandler    审批请求的创建、查询、人工覆盖、重新派发与 await 长轮询
  - SessionHandler     websocket 推送会话终态结果
  - DiagnosticsHandler 指标快照、熔断器与超时扫描器状态
  - HealthHandler      /health、/ready、/version
  - Response           统一 JSON 信封（success + data + error + timestamp）

领域错误经 toAPIError 映射为 types.Error，再按 ErrorCode 决定 HTTP 状态码。
*/
package handlers
