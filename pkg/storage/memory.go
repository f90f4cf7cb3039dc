package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

func init() {
	if err := RegisterStorage(new(MemoryDB)); err != nil {
		panic(err)
	}
}

// MemoryDB is an in memory implementation of ServiceStorage that is safe for concurrent use. Writers take mu so
// Update is atomic with respect to Write and Delete.
type MemoryDB struct {
	mu   sync.Mutex
	maps sync.Map
}

func (f *MemoryDB) Init(...Option) error {
	return nil
}

func (f *MemoryDB) Type() Type {
	return Memory
}

func (f *MemoryDB) URI() string {
	return "memory"
}

func (f *MemoryDB) IsOpen() bool {
	return true
}

func (f *MemoryDB) Close() error {
	return nil
}

func (f *MemoryDB) Write(_ context.Context, namespace, key string, value []byte) error {
	if namespace == "" {
		return errors.New("namespace required")
	}
	if key == "" {
		return errors.New("key required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.namespace(namespace).Store(key, copyBytes(value))
	return nil
}

func (f *MemoryDB) Read(_ context.Context, namespace, key string) ([]byte, error) {
	if namespace == "" {
		// This is what the bolt implementation does.
		return nil, nil
	}
	if key == "" {
		return nil, errors.New("key required")
	}
	m, ok := f.maps.Load(namespace)
	if !ok {
		return nil, nil
	}
	v, _ := m.(*sync.Map).Load(key)
	if v == nil {
		return nil, nil
	}
	return copyBytes(v.([]byte)), nil
}

func (f *MemoryDB) Exists(ctx context.Context, namespace, key string) (bool, error) {
	v, err := f.Read(ctx, namespace, key)
	return v != nil, err
}

func (f *MemoryDB) ReadPrefix(_ context.Context, namespace, prefix string) (map[string][]byte, error) {
	r := make(map[string][]byte)
	if namespace == "" {
		return r, nil
	}
	f.namespace(namespace).Range(func(key, value any) bool {
		if strings.HasPrefix(key.(string), prefix) {
			r[key.(string)] = copyBytes(value.([]byte))
		}
		return true
	})
	return r, nil
}

func (f *MemoryDB) ReadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	return f.ReadPrefix(ctx, namespace, "")
}

func (f *MemoryDB) ReadAllKeys(_ context.Context, namespace string) ([]string, error) {
	if namespace == "" {
		return nil, nil
	}
	var r []string
	f.namespace(namespace).Range(func(key, _ any) bool {
		r = append(r, key.(string))
		return true
	})
	return r, nil
}

func (f *MemoryDB) Delete(_ context.Context, namespace, key string) error {
	if namespace == "" {
		return errors.New("namespace required")
	}
	if key == "" {
		return errors.New("key required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.maps.Load(namespace)
	if !ok {
		return errors.Errorf("namespace<%s> does not exist", namespace)
	}
	b.(*sync.Map).Delete(key)
	return nil
}

func (f *MemoryDB) DeleteNamespace(_ context.Context, namespace string) error {
	if namespace == "" {
		return errors.New("namespace required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, loaded := f.maps.LoadAndDelete(namespace); !loaded {
		return errors.Errorf("could not delete namespace<%s>", namespace)
	}
	return nil
}

func (f *MemoryDB) Update(_ context.Context, namespace string, key string, updater Updater) ([]byte, error) {
	if namespace == "" || key == "" {
		return nil, errors.New("namespace and key required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	m := f.namespace(namespace)
	var current []byte
	if v, ok := m.Load(key); ok {
		current = copyBytes(v.([]byte))
	}
	if err := updater.Validate(current); err != nil {
		return nil, err
	}
	updatedV, err := updater.Update(current)
	if err != nil {
		return nil, err
	}
	m.Store(key, copyBytes(updatedV))
	return updatedV, nil
}

func (f *MemoryDB) namespace(namespace string) *sync.Map {
	m, _ := f.maps.LoadOrStore(namespace, &sync.Map{})
	return m.(*sync.Map)
}

var _ ServiceStorage = (*MemoryDB)(nil)
