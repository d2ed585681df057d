// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 StreamGate HTTP API 的请求处理器实现。

# 概述

handlers 包实现多源合流端点、健康检查以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - FanInHandler: 打开一次请求的全部源，合流到 SSE 或 WebSocket 连接
  - SourceOpener: 按 (request_id, source_id) 打开上游，默认由 redisrelay 实现
  - StreamMetrics: 多路复用器事件与会话结局的指标接收方
  - HealthHandler: 服务健康检查（/health, /healthz, /ready）
  - Response: 统一 JSON 响应结构（success + data + error + timestamp + request_id）
  - ResponseWriter: 包装 http.ResponseWriter 以捕获状态码，透传 Flush 与 Hijack

# 会话流程

校验请求、并发打开全部源，任一失败时在提交响应头之前返回 JSON 错误。
之后依次写出 out_of_order 声明（可选）、进度状态帧、各源的数据帧与
终止帧、最终状态帧、result 汇总帧与 result end 帧。JoinTimeout 到期时
剩余源被移除，客户端断开时整个会话停止。
*/
package handlers
