// Package config 负责加载 x402d 的 JSON 配置文件，补齐默认值，并允许通过环境变量覆盖敏感字段。
package config
