// Package config 负责加载执行服务的启动配置。
package config
