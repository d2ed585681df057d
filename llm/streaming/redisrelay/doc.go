// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package redisrelay 通过 Redis Pub/Sub 在供应商 worker 与网关之间中继原始分块流。

每个来源对应一个频道 "<prefix>:<request_id>:<source_id>"。worker 侧用
Publisher 发布 msgpack 编码的信封（data/end/error），网关侧用 Subscriber
把频道适配为 streaming.Upstream，交给 Multiplexer 消费。

Pub/Sub 不持久化：订阅建立之前发布的消息会丢失，Opener 在返回前等待
订阅确认。
*/
package redisrelay
