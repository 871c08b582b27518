// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 config 提供 StepFlow 的统一配置管理，支持默认值、YAML 文件
与环境变量三级叠加加载，以及配置校验与日志器构建。

# 概述

配置通过 Loader（Builder 模式）加载，优先级为
默认值 → YAML 文件 → 环境变量。环境变量通过反射遍历
结构体的 env 标签生成键名，默认前缀为 STEPFLOW，
例如 STEPFLOW_ENGINE_RETRY_MAX_ATTEMPTS 覆盖
engine.retry.max_attempts。配置文件缺失时静默回退默认值，
解析失败则报错。

# 核心类型

  - Config：完整配置根结构，包含 Server、Engine、Storage、
    Log、Telemetry 五个部分。
  - EngineConfig：可靠性引擎配置，包含检查点压缩阈值、
    默认重试策略、熔断器参数与垃圾回收策略。
  - StorageConfig：检查点存储配置，支持 memory、file、redis、
    sql 四种后端，提供 ToStoreConfig 转换到存储层配置。
  - DatabaseConfig：SQL 后端配置，显式 DSN 优先于组件字段，
    EffectiveDSN 按驱动类型拼装连接串。
  - Loader：配置加载器，WithConfigPath/WithEnvPrefix/
    WithValidator 链式定制。

# 主要能力

  - 三级叠加：默认值、YAML、环境变量按优先级合并。
  - 类型感知的环境变量解析：支持字符串、整数、时长
    （如 30s）、浮点、布尔与逗号分隔的字符串切片。
  - 配置校验：Validate 汇总所有违例后一次性报错。
  - 日志器构建：BuildLogger 按 LogConfig 构建 zap 日志器，
    支持 json/console 格式、级别与输出路径，构建失败时
    回退到生产默认配置。
  - MustLoad：加载失败直接 panic，适用于进程启动路径。
*/
package config
