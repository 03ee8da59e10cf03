// Package tlsutil 为 AgentGate 的出站连接提供加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件），
// 包括 Telegram Bot API 的 HTTP 客户端和可选的 Redis TLS 连接。
package tlsutil
