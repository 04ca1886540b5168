package ring

// Ring 是容量为 2 的幂次的 FIFO 环形队列，满时自动翻倍扩容。
// 本实现不加锁，由调用方控制并发（Context 在锁内使用，Queue 只在所属 unit 上使用）。
type Ring[T any] struct {
	buf      []T
	mask     int
	readPos  int
	writePos int
}

const minCap = 8

// New 返回初始容量不小于 capacity 的环；capacity 向上取整为 2 的幂。
func New[T any](capacity int) *Ring[T] {
	r := &Ring[T]{}
	r.init(capacity)
	return r
}

func (r *Ring[T]) init(capacity int) {
	capPow2 := minCap
	for capPow2 < capacity {
		capPow2 <<= 1
	}
	r.buf = make([]T, capPow2)
	r.mask = capPow2 - 1
	r.readPos = 0
	r.writePos = 0
}

func (r *Ring[T]) Cap() int { return len(r.buf) }

func (r *Ring[T]) Len() int { return r.writePos - r.readPos }

// PushBack 追加到队尾；空间不足时扩容。
func (r *Ring[T]) PushBack(v T) {
	if r.buf == nil {
		r.init(minCap)
	}
	if r.Len() == len(r.buf) {
		r.grow()
	}
	r.buf[r.writePos&r.mask] = v
	r.writePos++
}

// Front 返回队首元素；空队列返回零值与 false。
func (r *Ring[T]) Front() (T, bool) {
	var zero T
	if r.Len() == 0 {
		return zero, false
	}
	return r.buf[r.readPos&r.mask], true
}

// PopFront 弹出队首元素，并清空槽位以免持有闭包引用。
func (r *Ring[T]) PopFront() (T, bool) {
	var zero T
	if r.Len() == 0 {
		return zero, false
	}
	idx := r.readPos & r.mask
	v := r.buf[idx]
	r.buf[idx] = zero
	r.readPos++
	if r.readPos == r.writePos {
		// 空时归零，避免计数无限增长
		r.readPos, r.writePos = 0, 0
	}
	return v, true
}

// Reset 丢弃所有元素。
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.readPos, r.writePos = 0, 0
}

func (r *Ring[T]) grow() {
	n := r.Len()
	buf := make([]T, len(r.buf)<<1)
	start := r.readPos & r.mask
	// 按逻辑顺序拷贝两段
	c := copy(buf, r.buf[start:])
	if c < n {
		copy(buf[c:], r.buf[:n-c])
	}
	r.buf = buf
	r.mask = len(buf) - 1
	r.readPos = 0
	r.writePos = n
}
