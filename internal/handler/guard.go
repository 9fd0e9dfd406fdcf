package handler

import "sync/atomic"

// AccessToken 是执行器在构造时内部签发的能力凭证。特权操作
// （AttemptCalls、DrainLeftoverTokens）只认本执行器签发的凭证，
// 等价于"调用者身份等于执行器自身"的访问判定。系统中不存在
// 所有者、角色表或白名单。
type AccessToken struct {
	owner *Handler
}

// isSelf 判断凭证是否由本执行器签发。
func (h *Handler) isSelf(token *AccessToken) bool {
	return h != nil && token != nil && token.owner == h
}

// reentryGuard 是作用于入口调用的二元锁。入口被占用时，
// 再入尝试立即失败，而不是排队等待。
type reentryGuard struct {
	entered atomic.Bool
}

// enter 尝试占用入口，返回是否成功。
func (g *reentryGuard) enter() bool {
	return g.entered.CompareAndSwap(false, true)
}

// exit 释放入口，所有退出路径都必须经过这里。
func (g *reentryGuard) exit() {
	g.entered.Store(false)
}
