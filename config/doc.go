// Package config 提供 StreamGate 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（STREAMGATE_ 前缀）的顺序叠加，
// 最后由 Validate 及调用方注册的验证器统一校验。
package config
