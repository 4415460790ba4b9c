package restart

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Warning phases.
const (
	PhaseEarly   = "early"
	PhaseFinal   = "final"
	PhaseOverdue = "overdue"
	PhaseError   = "error"
)

// Warning is what the operator sees before a restart.
type Warning struct {
	Phase            string    `json:"phase"`
	Shift            string    `json:"shift"`
	ShiftEnd         time.Time `json:"shiftEnd"`
	RestartAt        time.Time `json:"restartAt"`
	MinutesUntilEnd  int       `json:"minutesUntilEnd"`
	CountdownSeconds int       `json:"countdownSeconds"`
	Message          string    `json:"message"`
	Error            string    `json:"error,omitempty"`
	ShownAt          time.Time `json:"shownAt"`
}

// Surface presents restart warnings. Dismissing it never changes whether a
// restart is pending.
type Surface interface {
	Show(w Warning)
	Dismiss()
	IsOpen() bool
}

// Board is an in-memory Surface. The admin API serves its current warning.
type Board struct {
	mu      sync.Mutex
	current *Warning
	open    bool
	logger  zerolog.Logger
}

// NewBoard creates an empty board.
func NewBoard(logger zerolog.Logger) *Board {
	return &Board{
		logger: logger.With().Str("component", "restart-board").Logger(),
	}
}

// Show replaces the displayed warning and opens the board.
func (b *Board) Show(w Warning) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = &w
	b.open = true

	event := b.logger.Warn()
	if w.Error != "" {
		event = b.logger.Error().Str("error", w.Error)
	}
	event.
		Str("phase", w.Phase).
		Str("shift", w.Shift).
		Time("restart_at", w.RestartAt).
		Int("countdown_seconds", w.CountdownSeconds).
		Msg(w.Message)
}

// Dismiss closes the board. The last warning stays available.
func (b *Board) Dismiss() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		b.logger.Info().Msg("Restart warning dismissed")
	}
	b.open = false
}

// IsOpen reports whether a warning is displayed.
func (b *Board) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Current returns the last warning shown and whether it is still open.
func (b *Board) Current() (*Warning, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		return nil, false
	}
	w := *b.current
	return &w, b.open
}

// describeRemaining renders a countdown for people.
func describeRemaining(seconds int) string {
	minutes := seconds / 60
	rest := seconds % 60

	switch {
	case minutes > 0 && rest >= 30:
		return fmt.Sprintf("about %d minutes", minutes+1)
	case minutes == 1:
		return "1 minute"
	case minutes > 1:
		return fmt.Sprintf("%d minutes", minutes)
	case rest > 30:
		return "less than a minute"
	case rest > 0:
		return fmt.Sprintf("%d seconds", rest)
	default:
		return "a moment"
	}
}

func warningMessage(countdown int) string {
	return fmt.Sprintf("The application will restart in %s. Save all open work now.", describeRemaining(countdown))
}
