// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 StreamGate 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertJSONEqual 与轮询式的 AssertEventuallyTrue
  - 流式辅助: SplitChunks / SplitAt 把线上字节切成任意分片，
    用于验证解码器与多路复用器在分片边界上的行为

本包只依赖标准库与 testing，可被任何包的内部测试导入。
*/
package testutil
