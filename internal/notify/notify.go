// Package notify provides the status notifier and confirmation prompt used by
// sessions and the transfer loop.
package notify

import (
	"strings"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/charmbracelet/log"
)

// Severity classifies long messages.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Notifier surfaces messages to the user.
type Notifier interface {
	// Notice shows a short transient message.
	Notice(msg string)
	// Report shows a detailed message with a severity.
	Report(sev Severity, summary string, details []string)
}

// Message is a recorded notification.
type Message struct {
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"`
	Summary  string    `json:"summary"`
	Details  []string  `json:"details,omitempty"`
}

const (
	noticeTTL   = 10 * time.Second
	historySize = 50
)

// LogNotifier writes notifications to the logger and keeps a short history.
// Identical notices within a few seconds are logged once.
type LogNotifier struct {
	logger *log.Logger
	recent *ttlworker.Cache[string, bool]

	mu      sync.Mutex
	history []Message
}

// NewLogNotifier creates a notifier writing to logger.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{
		logger: logger,
		recent: ttlworker.NewCache[string, bool](noticeTTL),
	}
}

// Notice implements Notifier.
func (n *LogNotifier) Notice(msg string) {
	if n.recent.Get(msg) {
		n.logger.Debugf("suppressed repeated notice: %s", msg)
		return
	}
	n.recent.Set(msg, true)
	n.logger.Info(msg)
	n.record(Message{Severity: SeverityInfo.String(), Summary: msg})
}

// Report implements Notifier.
func (n *LogNotifier) Report(sev Severity, summary string, details []string) {
	text := summary
	if len(details) > 0 {
		text += ": " + strings.Join(details, "; ")
	}
	switch sev {
	case SeverityError:
		n.logger.Error(text)
	case SeverityWarning:
		n.logger.Warn(text)
	default:
		n.logger.Info(text)
	}
	n.record(Message{Severity: sev.String(), Summary: summary, Details: append([]string(nil), details...)})
}

// History returns the most recent messages, oldest first.
func (n *LogNotifier) History() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Message, len(n.history))
	copy(out, n.history)
	return out
}

func (n *LogNotifier) record(m Message) {
	m.Time = time.Now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, m)
	if len(n.history) > historySize {
		n.history = n.history[len(n.history)-historySize:]
	}
}
