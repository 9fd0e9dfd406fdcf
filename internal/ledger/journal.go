package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// journalEntry 是一条可撤销的状态变更记录。
type journalEntry interface {
	undo(l *Ledger)
}

// journal 按发生顺序累积变更，回滚时逆序撤销。
type journal struct {
	entries []journalEntry
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
}

func (j *journal) length() int {
	return len(j.entries)
}

// revert 撤销修订号之后的所有条目，调用方必须持有账本锁。
func (j *journal) revert(l *Ledger, revision int) {
	if revision < 0 {
		revision = 0
	}
	for i := len(j.entries) - 1; i >= revision; i-- {
		j.entries[i].undo(l)
	}
	j.entries = j.entries[:revision]
}

// nativeChange 记录一次原生余额写入前的旧值。
type nativeChange struct {
	account common.Address
	prev    *big.Int
	existed bool
}

func (c nativeChange) undo(l *Ledger) {
	if !c.existed {
		delete(l.native, c.account)
		return
	}
	l.native[c.account] = c.prev
}

// tokenChange 记录一次资产余额写入前的旧值。
type tokenChange struct {
	asset   common.Address
	account common.Address
	prev    *big.Int
	existed bool
}

func (c tokenChange) undo(l *Ledger) {
	holders, ok := l.tokens[c.asset]
	if !ok {
		return
	}
	if !c.existed {
		delete(holders, c.account)
		return
	}
	holders[c.account] = c.prev
}
