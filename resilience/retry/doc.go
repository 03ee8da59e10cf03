// Package retry 提供带指数退避与随机抖动的有界重试能力。
//
// 只对可重试（瞬时）错误重试：网络错误、限流、服务端 5xx 等；
// 非瞬时错误（如请求格式错误）立即返回，不做任何等待。
package retry
