// Package redis 提供 Redis 连接的统一构造，供事件广播、agent 运行状态与任务队列复用。
package redis
