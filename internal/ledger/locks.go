package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Locks 按交易对的互斥锁。执行引擎、对账监控与退出流程共用同一份，
// 保证同一交易对同一时刻只有一个修改者。
type Locks struct {
	mu     sync.Mutex
	sems   map[string]chan struct{}
	closed bool
}

// NewLocks 创建锁表。
func NewLocks() *Locks {
	return &Locks{sems: make(map[string]chan struct{})}
}

func (l *Locks) sem(symbol string) (chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLocksClosed
	}
	k := strings.ToUpper(symbol)
	s, ok := l.sems[k]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[k] = s
	}
	return s, nil
}

// LockContext 阻塞获取锁，ctx 结束时返回错误。
func (l *Locks) LockContext(ctx context.Context, symbol string) error {
	s, err := l.sem(symbol)
	if err != nil {
		return err
	}
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ledger: 等待 %s 锁超时: %w", symbol, ctx.Err())
	}
}

// TryLock 非阻塞获取锁。
func (l *Locks) TryLock(symbol string) bool {
	s, err := l.sem(symbol)
	if err != nil {
		return false
	}
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock 释放锁，未持有时无操作。
func (l *Locks) Unlock(symbol string) {
	l.mu.Lock()
	s, ok := l.sems[strings.ToUpper(symbol)]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-s:
	default:
	}
}

// Held 交易对当前是否被占用。
func (l *Locks) Held(symbol string) bool {
	l.mu.Lock()
	s, ok := l.sems[strings.ToUpper(symbol)]
	l.mu.Unlock()
	return ok && len(s) > 0
}

// Close 之后的加锁请求一律失败，已持有的锁仍可正常释放。
func (l *Locks) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}
