// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的网关指标采集能力，覆盖
HTTP 请求与流式多路复用两大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。
Collector 实现 streaming.Observer，可直接注入 Multiplexer 与 Consumer。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 帧指标：按 kind 统计写出的帧数，写入丢弃数（目标已关闭），
    解码失败数与 [DONE] 哨兵数。
  - 来源指标：活跃来源 Gauge、按终态统计的终止数、来源存活时长。
  - 会话指标：按传输方式（sse/ws）与结果统计的扇入请求数。
*/
package metrics
