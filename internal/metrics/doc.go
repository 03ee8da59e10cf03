/*
包 metrics 提供基于 Prometheus 的审批网关指标采集能力。

# 概述

Collector 在私有 Registry 上注册全部序列，每个序列独立原子更新，
互不争用锁。Handler 以 Prometheus 文本格式导出，Snapshot 提供
同一组数值的 JSON 视图，供诊断接口使用。

# 主要能力

  - 审批队列：escalation_queue_size、enqueue/dequeue 计数。
  - 审批结果：initialized/accepted/rejected/timeout/cancelled 计数，
    escalation_response_time_seconds 决策耗时直方图。
  - 通知渠道：请求、失败、重试计数，发送耗时直方图，熔断状态与短路计数。
  - 超时监控：timeout_monitor_health 健康 gauge、扫描与过期计数。
  - HTTP：请求总数与耗时，按 method/path/status 分组。
*/
package metrics
