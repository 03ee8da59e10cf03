/*
包 escalation 实现人工审批网关的核心引擎。

# 概述

智能体请求执行敏感操作时，Processor 持久化一条 Pending 状态的
ApprovalRequest，异步经 Notifier 将审批提示推送给人工操作员，
并在操作员决策、超时或人工干预到达时通过唯一的写路径 Resolve
完成终态转换。

# 核心类型

  - ApprovalRequest：审批请求记录，终态后不可变。
  - Store：审批存储契约，TryTransition 以带期望状态的条件更新
    仲裁并发写入，至多一个调用方观察到 Applied。
  - MemoryStore / GormStore：内存与 gorm 两种存储实现。
  - Queue：基于 Store 的逻辑待处理队列，维护队列指标。
  - Processor：唯一的状态转换入口，负责指标记录与会话通知。
  - TimeoutMonitor：周期扫描过期请求，以有界并发调用 Resolve。
  - SessionHub / RedisSessionPublisher：将终态结果路由回智能体会话。

# 并发模型

人工决策回调、超时扫描与手动干预可以并发调用同一请求的 Resolve，
安全性完全依赖存储层的原子条件更新，组件之间不需要额外的锁。
*/
package escalation
