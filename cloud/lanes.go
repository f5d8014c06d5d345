package cloud

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

// lanes 按设备排队执行云端命令：同一设备按到达顺序串行，不同设备在协程池中并行
type lanes struct {
	pool *ants.Pool

	mu     sync.Mutex
	queues map[string][]func() // 存在即表示该设备已有协程在执行
}

func newLanes(pool *ants.Pool) *lanes {
	return &lanes{pool: pool, queues: make(map[string][]func())}
}

// submit 将任务追加到设备队列，队列空闲时向协程池提交一个执行协程
func (l *lanes) submit(key string, task func()) error {
	l.mu.Lock()
	if q, running := l.queues[key]; running {
		l.queues[key] = append(q, task)
		l.mu.Unlock()
		return nil
	}
	l.queues[key] = []func(){task}
	l.mu.Unlock()

	// 协程池满时 Submit 会阻塞，不能持锁
	if err := l.pool.Submit(func() { l.drain(key) }); err != nil {
		l.mu.Lock()
		delete(l.queues, key)
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *lanes) drain(key string) {
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		task := q[0]
		l.queues[key] = q[1:]
		l.mu.Unlock()

		run(task)
	}
}

// run 执行单个任务，panic 不影响队列中后续任务
func run(task func()) {
	defer func() {
		if p := recover(); p != nil {
			logrus.Errorf("command handler panic: %v", p)
		}
	}()
	task()
}
