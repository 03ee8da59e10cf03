/*
包 server 管理 HTTP 服务的生命周期。

Manager 包装单个 http.Server，Start 非阻塞监听，Shutdown 在超时内优雅关闭。
Run 同时托管 API 与 metrics 两个端口：ctx 结束或任一服务出错时统一关闭。
*/
package server
