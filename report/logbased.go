package report

import (
	"log"
	"time"
)

// LogBasedReporter sinks a Report's fields through a *log.Logger, one line
// per key. It is the only Sink dumpwatch ships, matching spec.md's ambient
// "diagnostic logging sinks (syslog/stdout)" concern without pulling in a
// structured-logging library the pack never demonstrates for this domain.
type LogBasedReporter struct {
	*log.Logger
}

func (l *LogBasedReporter) ReportInt(key string, value int64) error {
	l.Printf("%s = %d", key, value)
	return nil
}

func (l *LogBasedReporter) ReportString(key string, value string) error {
	l.Printf("%s = %s", key, value)
	return nil
}

func (l *LogBasedReporter) ReportError(key string, value error) error {
	if value == nil {
		return nil
	}
	l.Printf("%s = %v", key, value)
	return nil
}

func (l *LogBasedReporter) ReportDuration(key string, value time.Duration) error {
	l.Printf("%s = %v", key, value)
	return nil
}

var _ Sink = (*LogBasedReporter)(nil)
