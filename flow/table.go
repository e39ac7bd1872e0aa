// Package flow 按方向跟踪数据流，并用前导负载字节识别每个方向的协议。
package flow

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/darkit/protoid/protocols"
	"github.com/darkit/slog"
	"github.com/google/gopacket"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultSize   = 4096
	DefaultPrefix = 32
)

// Inferrer 识别单个流方向的前导字节
type Inferrer interface {
	Infer(data []byte) (protocols.Inference, bool)
}

// Key 标识流的一个方向
type Key struct {
	Network   gopacket.Flow
	Transport gopacket.Flow
}

// Reverse 返回反方向的键
func (k Key) Reverse() Key {
	return Key{Network: k.Network.Reverse(), Transport: k.Transport.Reverse()}
}

func (k Key) String() string {
	src, dst := k.Network.Endpoints()
	sport, dport := k.Transport.Endpoints()
	return fmt.Sprintf("%s:%s->%s:%s", src, sport, dst, dport)
}

// Record 单个流方向的状态
type Record struct {
	Key       Key
	Inference protocols.Inference
	Packets   int
	Bytes     int
	FirstSeen time.Time
	LastSeen  time.Time

	prefix []byte
	done   bool
}

// Classified 判断是否已识别出应用
func (r Record) Classified() bool { return r.Inference.IsSet() }

// Prefix 返回目前收集的前导负载字节
func (r Record) Prefix() []byte { return append([]byte(nil), r.prefix...) }

// Option 定义 Table 配置选项的函数类型
type Option func(*options)

type options struct {
	size    int
	prefix  int
	onEvict func(Record)
}

// WithSize 设置流表保存的流方向数
func WithSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.size = n
		}
	}
}

// WithPrefix 设置每个流方向收集的前导字节数，超过后放弃识别
func WithPrefix(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.prefix = n
		}
	}
}

// WithEvictCallback 设置淘汰回调，参数为被淘汰记录的快照。
// 回调在持有流表锁时执行，不能再调用流表。
func WithEvictCallback(fn func(Record)) Option {
	return func(o *options) {
		o.onEvict = fn
	}
}

// Table 流方向记录的 LRU 表，可并发使用
type Table struct {
	mu     sync.Mutex
	ident  Inferrer
	flows  *lru.Cache[Key, *Record]
	prefix int
}

// NewTable 创建流表
func NewTable(ident Inferrer, opts ...Option) (*Table, error) {
	o := options{size: DefaultSize, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Table{ident: ident, prefix: o.prefix}
	var (
		flows *lru.Cache[Key, *Record]
		err   error
	)
	if o.onEvict != nil {
		onEvict := o.onEvict
		flows, err = lru.NewWithEvict[Key, *Record](o.size, func(_ Key, r *Record) {
			onEvict(r.snapshot())
		})
	} else {
		flows, err = lru.New[Key, *Record](o.size)
	}
	if err != nil {
		return nil, fmt.Errorf("flow table: %w", err)
	}
	t.flows = flows
	return t, nil
}

// Observe 记录 key 的一个数据包。负载追加到记录的前缀，直到识别成功或前缀已满，
// 每次追加后对整个前缀重新识别。
func (t *Table) Observe(key Key, payload []byte, ts time.Time) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.flows.Get(key)
	if !ok {
		r = &Record{Key: key, FirstSeen: ts}
		t.flows.Add(key, r)
	}
	r.Packets++
	r.Bytes += len(payload)
	r.LastSeen = ts

	if r.done || len(payload) == 0 {
		return r.snapshot()
	}

	room := t.prefix - len(r.prefix)
	if room > len(payload) {
		room = len(payload)
	}
	r.prefix = append(r.prefix, payload[:room]...)

	if inf, ok := t.ident.Infer(r.prefix); ok {
		r.Inference = inf
		r.done = true
		slog.Debug("流已识别", "flow", key.String(), "protocol", inf.String())
	} else if len(r.prefix) >= t.prefix {
		r.done = true
	}
	return r.snapshot()
}

// Get 返回 key 的记录
func (t *Table) Get(key Key) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.flows.Peek(key)
	if !ok {
		return Record{}, false
	}
	return r.snapshot(), true
}

// Len 返回跟踪的流方向数
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flows.Len()
}

// Records 返回按首次出现时间排序的全部记录快照
func (t *Table) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, t.flows.Len())
	for _, k := range t.flows.Keys() {
		if r, ok := t.flows.Peek(k); ok {
			out = append(out, r.snapshot())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

func (r *Record) snapshot() Record {
	c := *r
	c.prefix = append([]byte(nil), r.prefix...)
	return c
}
