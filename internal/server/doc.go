// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供运维 HTTP 服务器，暴露 Prometheus 指标与健康探针，
支持非阻塞启动、优雅关闭与系统信号监听。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、
关闭与错误传播流程；通过 Handler 提供 /metrics、/healthz 与
/readyz 三个运维端点。内置 SIGINT/SIGTERM 信号处理，适用于
生产环境的优雅停机需求。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/Shutdown/WaitForShutdown 等
    生命周期方法。
  - Handler：运维端点处理器，注册 Prometheus 指标暴露与
    可插拔的就绪检查（HealthCheck 接口）。
  - PingHealthCheck：将检查点存储的 Ping 方法包装为就绪检查。
  - Config：服务器配置，包含监听地址、读写超时、空闲超时、
    最大请求头大小与优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务，主线程不阻塞。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空与连接释放。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM，收到信号后
    自动触发优雅关闭流程。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
  - 健康探针：/healthz 报告进程存活，/readyz 按注册的检查项
    报告就绪状态，失败时返回 503。
  - 状态查询：IsRunning/Addr 提供运行状态与实际监听地址查询。
*/
package server
