// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 partialjson 提供容错的增量 JSON 值解析器，用于从流式到达的
文本前缀中尽力还原结构化数据（典型场景：工具调用参数的增量片段）。

# 概述

Parse 以递归下降方式从文本前缀中提取一个值，并返回未消费的剩余文本。
当输入在值闭合前耗尽时，返回尽力而为的部分结果且 complete 为 false，
表示“需要更多输入”，而不是错误。解析器从不因输入不完整而报错或 panic。

调用方应在每次收到新片段后对完整累积文本重新调用 Parse，而非跨调用
维护解析状态；工具调用参数体量有限，重复解析的代价可以接受。

# 核心接口

  - Parse: 解析一个值，返回 (value, rest, complete)
  - ParseObject: 尽力解析为 map[string]any
  - Unmarshal: 部分解析后解码到 Go 结构体
  - ToolCallArgs: 工具调用参数增量累积器

# 值类型

与 encoding/json 解码到 any 的结果一致：nil、bool、float64、string、
[]any、map[string]any。
*/
package partialjson
