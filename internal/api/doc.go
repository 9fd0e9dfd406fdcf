// Package api 暴露消息提交、查询与运维操作的 REST 接口。
package api
