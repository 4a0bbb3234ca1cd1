// Package api 对外暴露查询与任务提交的 HTTP 接口：托管余额与订单、策略登记记录、
// 运营任务的列表与统计，以及令牌签发。写操作只通过任务层异步进入托管与 agent。
package api
