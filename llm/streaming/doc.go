// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 streaming 是网关的流式传输核心：把多个并发的异构上游流（模型输出、
RAG 检索进度、工具调用参数增量、状态更新）汇聚为一条有序、带标签的
事件流，写入单一客户端连接。

# 线协议

每帧为字面前缀 "data: " 加一个 JSON 对象，以空行结束：

	{"s":"meta","st":{...}}          控制：进度/状态
	{"s":"meta","state":{...}}       控制：结构化状态（如来源别名表）
	{"s":"meta","m":"out_of_order"}  控制：取消跨来源顺序假设
	{"s":<sourceId>,"d":<payload>}   数据增量
	{"s":<sourceId>,"type":"end"}    来源正常结束
	{"s":<sourceId>,"type":"error"}  来源异常结束
	{"s":"result","d":<payload>}     最终聚合结果
	{"s":"result","type":"end"}      流结束

遗留的 "[DONE]" 哨兵会被识别并丢弃，它本身不会结束任何来源。

# 核心接口

  - Frame / Decoder / ParseSegment / EncodeFrame: 帧编解码，跨任意分块边界恢复帧
  - Consumer: 单来源累积器：解码、变换链、按通道累积文本与增量计数、转发给 Sink
  - Multiplexer: 扇入多路复用器：持有 N 个并发来源，重新打标签后串行写入共享目的地，
    跟踪来源生命周期，并提供 Join
  - Upstream: 上游原始文本流（FromReader、FromChannel、FromStrings）
  - Transform / NormalizerKind: 封闭的变换与供应商归一化策略集合
  - HTTPDestination / WebSocketDestination / BufferDestination: 目的地适配器

# 顺序与关闭

仅保证同一来源内的帧顺序。目的地关闭后的写入是静默的空操作，
断开的客户端不会影响多路复用管线。
*/
package streaming
