package resilience

// DegradationLevel summarizes how much of the protected surface is
// currently unavailable
type DegradationLevel int

const (
	// LevelNormal - all breakers are closed
	LevelNormal DegradationLevel = iota
	// LevelPartial - some breakers are open or probing
	LevelPartial
	// LevelSevere - at least half of the breakers are open
	LevelSevere
	// LevelCritical - every breaker is open
	LevelCritical
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelPartial:
		return "PARTIAL"
	case LevelSevere:
		return "SEVERE"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// DegradationFor derives the level from breaker snapshots
func DegradationFor(snaps []CircuitBreakerSnapshot) DegradationLevel {
	if len(snaps) == 0 {
		return LevelNormal
	}

	open, halfOpen := 0, 0
	for _, s := range snaps {
		switch s.State {
		case StateOpen.String():
			open++
		case StateHalfOpen.String():
			halfOpen++
		}
	}

	switch {
	case open == len(snaps):
		return LevelCritical
	case open*2 >= len(snaps) && open > 0:
		return LevelSevere
	case open > 0 || halfOpen > 0:
		return LevelPartial
	default:
		return LevelNormal
	}
}
