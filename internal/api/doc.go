// Package api 提供会话编排服务的对外入口：每条 WebSocket 连接对应一个会话，
// 另外提供证明查询、终态审计、健康检查与 Prometheus 指标等 HTTP 接口。
package api
