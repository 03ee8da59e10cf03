// Package telemetry 初始化 OpenTelemetry SDK（OTLP gRPC 导出 trace 与 metric）。
// 关闭时保持全局 noop provider，处理器和派发器的 span 不产生开销。
package telemetry
