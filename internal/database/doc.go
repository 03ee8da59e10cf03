/*
包 database 负责审批存储的数据库接入。

Dialector 按配置选择 postgres、mysql 或 sqlite（glebarez 纯 Go 实现）方言，
Open 打开连接并立即探活。PoolManager 持有 gorm.DB，负责连接池参数、
后台 Ping 探活、AutoMigrate 以及诊断用的统计信息。
*/
package database
