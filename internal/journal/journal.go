// Package journal 记录一次调用内发生的可回退状态变更。
//
// 调用方通过 Begin 把 Journal 挂到 context 上，账本与预言机等协作方在该 context
// 下完成变更时登记对应的回退操作。调用失败时 Rollback 按逆序执行全部回退；
// 成功时 Commit 丢弃记录。回退以增量方式执行，不会覆盖其他调用方并发写入的状态。
package journal

import (
	"context"
	"errors"
	"sync"
)

// UndoFunc 撤销一次已完成的变更。
type UndoFunc func() error

// Journal 是单次调用的回退日志，可被多个协作方并发登记。
type Journal struct {
	mu     sync.Mutex
	undo   []UndoFunc
	closed bool
}

type journalKey struct{}

// Begin 创建新的 Journal 并写入 context。
func Begin(ctx context.Context) (context.Context, *Journal) {
	j := &Journal{}
	return context.WithValue(ctx, journalKey{}, j), j
}

// FromContext 返回 context 上仍处于打开状态的 Journal。
func FromContext(ctx context.Context) *Journal {
	if ctx == nil {
		return nil
	}
	j, _ := ctx.Value(journalKey{}).(*Journal)
	return j
}

// Record 在 context 携带 Journal 时登记回退操作，否则忽略。
func Record(ctx context.Context, fn UndoFunc) {
	if j := FromContext(ctx); j != nil {
		j.Add(fn)
	}
}

// Add 登记回退操作。Journal 关闭后登记无效。
func (j *Journal) Add(fn UndoFunc) {
	if fn == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.undo = append(j.undo, fn)
}

// Len 返回已登记的回退操作数量。
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.undo)
}

// Commit 丢弃全部回退操作并关闭 Journal。
func (j *Journal) Commit() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.undo = nil
	j.closed = true
}

// Rollback 逆序执行回退操作并关闭 Journal，返回所有回退失败的合并错误。
func (j *Journal) Rollback() error {
	j.mu.Lock()
	undo := j.undo
	j.undo = nil
	j.closed = true
	j.mu.Unlock()

	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
