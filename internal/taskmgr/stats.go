package taskmgr

// Stats aggregates the registry for the health and stats endpoints.
type Stats struct {
	Total       int     `json:"total_tasks"`
	Completed   int     `json:"completed_tasks"`
	Successful  int     `json:"successful_tasks"`
	Active      int     `json:"active_tasks"`
	SuccessRate float64 `json:"success_rate"`
}

func (tm *TaskManager) Stats() Stats {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	var s Stats
	s.Total = len(tm.tasks)
	for _, task := range tm.tasks {
		if !task.Completed {
			s.Active++
			continue
		}
		s.Completed++
		if task.Success {
			s.Successful++
		}
	}
	s.SuccessRate = float64(s.Successful) / float64(max(s.Completed, 1)) * 100
	return s
}
