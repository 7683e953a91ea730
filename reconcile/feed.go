package reconcile

import "github.com/gosuda/chatify/model"

// feed is one channel's ordered sequence plus its id index.
type feed struct {
	msgs  []model.Message
	index map[string]int
}

func newFeed() *feed {
	return &feed{index: make(map[string]int)}
}

func (f *feed) has(id string) bool {
	_, ok := f.index[id]
	return ok
}

func (f *feed) get(id string) (*model.Message, int, bool) {
	i, ok := f.index[id]
	if !ok {
		return nil, -1, false
	}
	return &f.msgs[i], i, true
}

func (f *feed) append(m model.Message) int {
	f.msgs = append(f.msgs, m)
	i := len(f.msgs) - 1
	f.index[m.ID] = i
	return i
}

// replaceAt swaps the entry at i for m, keeping its position.
func (f *feed) replaceAt(i int, m model.Message) {
	delete(f.index, f.msgs[i].ID)
	f.msgs[i] = m
	f.index[m.ID] = i
}

func (f *feed) removeAt(i int) model.Message {
	old := f.msgs[i]
	delete(f.index, old.ID)
	f.msgs = append(f.msgs[:i], f.msgs[i+1:]...)
	for j := i; j < len(f.msgs); j++ {
		f.index[f.msgs[j].ID] = j
	}
	return old
}

func (f *feed) snapshot() []model.Message {
	out := make([]model.Message, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.Clone()
	}
	return out
}
