package link

import "sync"

// pendingTable tracks in-flight exchanges by correlation id.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan *Message
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan *Message)}
}

// add registers a waiter for id. It returns false if id is already pending.
func (p *pendingTable) add(id string) (<-chan *Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.waiters[id]; ok {
		return nil, false
	}
	ch := make(chan *Message, 1)
	p.waiters[id] = ch
	return ch, true
}

// resolve hands msg to the waiter for id and forgets it. It returns false
// when nothing is waiting, which is the case for late replies.
func (p *pendingTable) resolve(id string, msg *Message) bool {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}

func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
