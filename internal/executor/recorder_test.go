package executor

import "sync"

// recorder is a Reporter that keeps what it was told.
type recorder struct {
	mu       sync.Mutex
	progress []int
	logs     []string
}

func (r *recorder) Progress(pct int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, pct)
}

func (r *recorder) Log(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, line)
}

func (r *recorder) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}
