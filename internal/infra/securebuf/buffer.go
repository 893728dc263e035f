// Package securebuf 提供基于 memfd 的匿名内存缓冲区，明文只存在于内核匿名页中。
package securebuf

import (
	"errors"
	"sync/atomic"
)

// ErrClosed 表示缓冲区句柄已关闭或已移交。
var ErrClosed = errors.New("securebuf: buffer closed")

var live atomic.Int64

// Live 返回进程内尚未关闭的缓冲区句柄数，用于泄漏检查。
func Live() int64 { return live.Load() }
