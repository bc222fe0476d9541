package logging

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Record is one forwarded log event, shaped for client consumption per the
// "[<loggerName>] <levelName>: <timestamp>: <message>" line format.
type Record struct {
	LoggerName string
	Level      string
	Timestamp  string
	Message    string
	Error      string
	Stack      string
}

// Line renders the record as the single (plus optional trailing) line text
// a Connected Client forwards as a logEvent notification.
func (r Record) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s: %s", r.LoggerName, r.Level, r.Timestamp, r.Message)
	if r.Error != "" {
		b.WriteString("\n")
		b.WriteString(r.Error)
	}
	if r.Stack != "" {
		b.WriteString("\n")
		b.WriteString(r.Stack)
	}
	return b.String()
}

// Sink is a process-wide fan-out point for log records. It is installed as a
// logrus.Hook on the root logger; every fired entry is broadcast to current
// subscribers. No backpressure is applied — a full subscriber channel simply
// drops the record rather than blocking the logger.
type Sink struct {
	mu          sync.Mutex
	subscribers map[int]chan Record
	nextID      int
}

// NewSink creates an empty log sink.
func NewSink() *Sink {
	return &Sink{subscribers: make(map[int]chan Record)}
}

// Levels implements logrus.Hook: the sink observes every level.
func (s *Sink) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (s *Sink) Fire(entry *logrus.Entry) error {
	rec := Record{
		LoggerName: serviceName(entry),
		Level:      strings.ToUpper(entry.Level.String()),
		Timestamp:  entry.Time.UTC().Format("2006-01-02T15:04:05.000Z"),
		Message:    entry.Message,
	}
	if err, ok := entry.Data[logrus.ErrorKey]; ok {
		if e, ok := err.(error); ok {
			rec.Error = e.Error()
		} else {
			rec.Error = fmt.Sprint(err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- rec:
		default:
			// Slow subscriber; drop rather than block log emission.
		}
	}
	return nil
}

func serviceName(entry *logrus.Entry) string {
	if v, ok := entry.Data["service"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "tabsync"
}

// Subscribe registers a new subscriber and returns a channel of records plus
// a cancel func. The cancel func is safe to call more than once.
func (s *Sink) Subscribe(buffer int) (<-chan Record, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan Record, buffer)
	s.subscribers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}
