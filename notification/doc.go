// Package notification 负责把审批请求推送给人工操作员并接收其决策。
//
// Channel 抽象外部消息渠道，TelegramChannel 基于 Telegram Bot API 实现
// 出站 sendMessage 与入站 callback_query（webhook 或长轮询）。
// Dispatcher 以熔断器包裹重试、重试包裹单次发送的方式组合，实现
// escalation.Notifier；派发失败只转化为指标与日志，请求保持待处理。
package notification
