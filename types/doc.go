/*
Package types 提供 agentgate 跨包共享的结构化错误定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。HTTP 层通过 Error / ErrorCode
把领域错误（存储不可用、审批不存在、通道不可用等）统一映射为
状态码与 JSON 错误体。

# 核心类型

  - Error / ErrorCode：结构化错误，含 HTTP 状态码与 Retryable 标记
  - IsRetryable / GetErrorCode / AsError：错误分类工具
*/
package types
