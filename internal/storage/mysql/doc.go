// Package mysql 提供 MySQL 连接池、嵌入式 schema 迁移与通用错误判定，
// escrow、registry 与 job 的 MySQL 存储都建立在这里打开的 *sql.DB 之上。
package mysql
