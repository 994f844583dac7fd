package preview

import (
	"sync"

	"camprobe/internal/camera"
)

// Buffer は最新のプレビューフレームを保持し、購読者に配信する
type Buffer struct {
	mu     sync.RWMutex
	latest camera.Frame
	ok     bool
	subs   map[int]chan camera.Frame
	nextID int
}

// NewBuffer は空のBufferを作成する
func NewBuffer() *Buffer {
	return &Buffer{subs: make(map[int]chan camera.Frame)}
}

// Publish はフレームを最新として保存し、購読者に送る。
// 受信が追いつかない購読者には古いフレームを捨てて最新だけを残す。
func (b *Buffer) Publish(f camera.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest = f
	b.ok = true
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- f
		}
	}
}

// Latest は最新のフレームを返す
func (b *Buffer) Latest() (camera.Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.ok
}

// Subscribe は新しいフレームを受け取るチャネルと購読解除の関数を返す
func (b *Buffer) Subscribe() (<-chan camera.Frame, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan camera.Frame, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Subscribers は現在の購読者数を返す
func (b *Buffer) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
