package teammemory

import "fmt"

// replayOther dispatches a spooled mutation to whichever file's replay
// handler recognizes its op. Each handler returns (handled, err); the
// first one that claims the op wins.
func (s *Store) replayOther(m mutation) error {
	handlers := []func(mutation) (bool, error){
		s.replayConsensus,
		s.replayDecisions,
		s.replayBeliefs,
		s.replayPatterns,
		s.replayGuards,
		s.replayExperiments,
	}
	for _, h := range handlers {
		handled, err := h(m)
		if handled {
			return err
		}
	}
	return fmt.Errorf("unknown spooled op %q", m.Op)
}
