// Package agent 实现自托管的策略执行代理。
//
// BaseAgent 负责 owner、执行者名单与紧急暂停；DCAAgent 在其上维护按策略编号
// 配置的交易对、价格源、执行间隔、价格时效与滑点上限，并在执行前后校验
// 自托管约束，按余额差额计量实际产出。
package agent
