package notifier

// uidList хранит слушателей по uid (с 1), освободившиеся слоты переиспользуются.
type uidList[T any] struct {
	items []*T
	free  []int
}

func (l *uidList[T]) add(item T) int {
	var idx int
	if n := len(l.free); n > 0 {
		idx = l.free[0]
		l.free = l.free[1:]
		l.items[idx] = &item
	} else {
		idx = len(l.items)
		l.items = append(l.items, &item)
	}
	return idx + 1
}

func (l *uidList[T]) erase(uid int) {
	idx := uid - 1
	if idx < 0 || idx >= len(l.items) || l.items[idx] == nil {
		return
	}
	l.items[idx] = nil
	l.free = append(l.free, idx)
}

// each calls fn for every live item with its uid.
func (l *uidList[T]) each(fn func(uid int, item *T)) {
	for i, it := range l.items {
		if it != nil {
			fn(i+1, it)
		}
	}
}
