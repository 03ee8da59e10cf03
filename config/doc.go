// Package config 负责 AgentGate 的配置加载与校验。
//
// 加载顺序为默认值、YAML 文件、AGENTGATE_ 前缀的环境变量，最后运行验证器。
package config
