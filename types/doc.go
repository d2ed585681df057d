// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 streamgate 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm/streaming、api、
cmd 等上层模块提供统一的类型契约。

# 核心类型

  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码、Retryable、来源 Source 标记
  - Status / StatusKind: meta 控制帧中携带的进度记录

# 主要能力

  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
  - Context 传播：WithTraceID / WithRequestID
*/
package types
