package runner

// completedMemo remembers recently finished runner UIDs so late or duplicate
// Update/Finish calls can be recognized and dropped. Bounded FIFO.
type completedMemo struct {
	limit int
	order []string
	seen  map[string]struct{}
}

func newCompletedMemo(limit int) *completedMemo {
	if limit <= 0 {
		limit = 1
	}
	return &completedMemo{
		limit: limit,
		seen:  make(map[string]struct{}, limit),
	}
}

func (m *completedMemo) add(runnerUID string) {
	if runnerUID == "" {
		return
	}
	if _, ok := m.seen[runnerUID]; ok {
		return
	}
	m.order = append(m.order, runnerUID)
	m.seen[runnerUID] = struct{}{}
	for len(m.order) > m.limit {
		delete(m.seen, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *completedMemo) contains(runnerUID string) bool {
	_, ok := m.seen[runnerUID]
	return ok
}
