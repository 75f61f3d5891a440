// Package observe 是解析链路的观测协作者
// 解析器与管线不持有任何全局计时/日志状态，事件都通过注入的 Observer 上报
package observe

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Observer 接收解析、获取与解析链路的事件
// 实现必须可以被并发调用
type Observer interface {
	// Parsed 在一个表 (encoding / install / index) 解析完成后调用
	Parsed(table string, entries int, elapsed time.Duration, err error)

	// Fetched 在一次外部获取完成后调用，source 是 "cache" / "cdn" / "store" 等
	Fetched(kind, source string, size int, elapsed time.Duration, err error)

	// Resolved 在一次 content key 解析完成后调用
	Resolved(key string, size int, elapsed time.Duration, err error)
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Parsed(string, int, time.Duration, error)          {}
func (Nop) Fetched(string, string, int, time.Duration, error) {}
func (Nop) Resolved(string, int, time.Duration, error)        {}

// Logger 把事件写成结构化日志
// 成功事件是 Debug，失败是 Warn
type Logger struct {
	Log logrus.FieldLogger
}

func NewLogger(log logrus.FieldLogger) Logger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Logger{Log: log}
}

func (l Logger) Parsed(table string, entries int, elapsed time.Duration, err error) {
	e := l.Log.WithFields(logrus.Fields{"table": table, "entries": entries, "elapsed": elapsed})
	if err != nil {
		e.WithError(err).Warn("parse failed")
		return
	}
	e.Debug("parsed")
}

func (l Logger) Fetched(kind, source string, size int, elapsed time.Duration, err error) {
	e := l.Log.WithFields(logrus.Fields{"kind": kind, "source": source, "bytes": size, "elapsed": elapsed})
	if err != nil {
		e.WithError(err).Warn("fetch failed")
		return
	}
	e.Debug("fetched")
}

func (l Logger) Resolved(key string, size int, elapsed time.Duration, err error) {
	e := l.Log.WithFields(logrus.Fields{"key": key, "bytes": size, "elapsed": elapsed})
	if err != nil {
		e.WithError(err).Warn("resolve failed")
		return
	}
	e.Debug("resolved")
}

// Multi 把事件广播给多个 Observer
type Multi []Observer

func (m Multi) Parsed(table string, entries int, elapsed time.Duration, err error) {
	for _, o := range m {
		o.Parsed(table, entries, elapsed, err)
	}
}

func (m Multi) Fetched(kind, source string, size int, elapsed time.Duration, err error) {
	for _, o := range m {
		o.Fetched(kind, source, size, elapsed, err)
	}
}

func (m Multi) Resolved(key string, size int, elapsed time.Duration, err error) {
	for _, o := range m {
		o.Resolved(key, size, elapsed, err)
	}
}

// OrNop 把 nil 替换成 Nop
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}
