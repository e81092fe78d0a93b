package minion

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Func 是一个可远程调用的命令处理器。返回值会被序列化进 Reply.Return，
// 错误会变成 Reply.Error。
type Func func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// Registry 管理 minion 上可远程调用的命令。
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
	docs  map[string]string
}

// NewRegistry 创建一个新的命令注册表。
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]Func),
		docs:  make(map[string]string),
	}
}

// Register 注册一个命令处理器。命令名形如 "module.function"。
// 如果该命令已注册，则返回错误。
func (r *Registry) Register(name, doc string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("不能注册空命令处理器")
	}
	if name == "" {
		return fmt.Errorf("命令名不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("命令已注册: %s", name)
	}

	r.funcs[name] = fn
	r.docs[name] = doc
	return nil
}

// MustRegister 注册命令处理器，如果出错则 panic。
func (r *Registry) MustRegister(name, doc string, fn Func) {
	if err := r.Register(name, doc, fn); err != nil {
		panic(err)
	}
}

// Unregister 移除一个命令。
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.funcs, name)
	delete(r.docs, name)
}

// Get 按命令名获取处理器。
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Has 检查命令是否已注册。
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.funcs[name]
	return exists
}

// Names 返回所有已注册的命令名，按字典序排序。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Doc 返回命令的文档字符串。
func (r *Registry) Doc(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.docs[name]
}

// Docs 返回全部命令文档的副本。
func (r *Registry) Docs() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.docs))
	for name, doc := range r.docs {
		out[name] = doc
	}
	return out
}

// Count 返回已注册命令的数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs)
}
