package sim

// Stats counts what happened during a run.
type Stats struct {
	Ops      int
	Applied  int
	Skipped  int
	Flushes  int
	Events   int
	Rebuilds int
}

func (s *Stats) add(applied bool) {
	s.Ops++
	if applied {
		s.Applied++
	} else {
		s.Skipped++
	}
}
