package monitor

import (
	"hash/fnv"
	"sync"
)

// Pool executes jobs on a fixed set of shard goroutines. Jobs sharing a key
// land on the same shard, which is what enforces single-writer-per-subject
// without a global lock.
type Pool struct {
	shards []chan func()
	wg     sync.WaitGroup
	once   sync.Once
}

func NewPool(shards int) *Pool {
	if shards <= 0 {
		shards = 1
	}
	p := &Pool{shards: make([]chan func(), shards)}
	for i := range p.shards {
		ch := make(chan func(), 16)
		p.shards[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range ch {
				job()
			}
		}()
	}
	return p
}

func (p *Pool) Submit(key string, job func()) {
	h := fnv.New32a()
	h.Write([]byte(key))
	p.shards[h.Sum32()%uint32(len(p.shards))] <- job
}

func (p *Pool) Close() {
	p.once.Do(func() {
		for _, ch := range p.shards {
			close(ch)
		}
	})
	p.wg.Wait()
}
