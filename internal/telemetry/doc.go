// Package telemetry 封装 StreamGate 的 OpenTelemetry SDK 初始化，
// 为多路复用器的 source span 与 HTTP 请求 span 提供 TracerProvider。
// 遥测禁用时使用 noop 实现，不连接任何外部服务。
package telemetry
