// Package circuitbreaker 提供面向外部依赖的熔断器。
//
// 熔断器在 Closed、Open、HalfOpen 三种状态之间转换：
// Closed 状态下记录滚动窗口内的调用结果，连续失败或失败率超过阈值时打开；
// Open 状态下直接返回调用方提供的兜底值，不调用被保护函数；
// 熔断期结束后进入 HalfOpen，仅放行一次试探调用，成功则关闭，失败则重新打开。
package circuitbreaker
