// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动与
面向长连接流的优雅关闭。

# 核心类型

  - Manager：封装 net/http.Server，持有监听器、异步错误通道
    与所有请求共享的 base context。
  - Config：监听地址、读写超时、空闲超时、最大请求头大小与
    优雅关闭超时。FromServerConfig 由应用配置构建。

# 关闭语义

Shutdown 先停止接受新连接并等待在途请求完成；超过
ShutdownTimeout 后取消 base context，使仍在推送的 SSE 与
WebSocket 会话感知取消并退出，随后强制关闭剩余连接。
*/
package server
