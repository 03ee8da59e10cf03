// Copyright (c) AgentGate Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentGate 服务端程序入口。

# 概述

cmd/agentgate 把审批引擎、Telegram 渠道、存储与 HTTP 接口组装成一个进程，
提供 serve、migrate、resolve、health、version 子命令。

# 主要能力

  - serve：启动 API 端口与独立的 Metrics 端口，运行超时扫描器，
    按配置以 webhook 或长轮询方式接收 Telegram 回调
  - migrate：对审批表执行 AutoMigrate 或查看表状态
  - resolve：在 HTTP 管理接口不可用时直接对存储执行人工覆盖
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、Metrics、RateLimiter、APIKeyAuth，resolve 路由另加 AdminJWTAuth
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
