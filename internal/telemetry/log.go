// Package telemetry wires up the structured logging and Prometheus
// metrics shared across the sync pipeline.
package telemetry

import (
	"os"

	"github.com/ticket-sink/ticket-sink/internal/errs"
	log "github.com/sirupsen/logrus"
)

// NewLogger builds the process-wide logrus.Logger at the given level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func NewLogger(level string) *log.Logger {
	l := log.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	l.SetLevel(parsed)
	return l
}

// CycleFields builds the {team, table, issue_key?, kind, message} log
// fields spec §7 requires for user-visible log lines.
func CycleFields(team, table, issueKey string, err error) log.Fields {
	f := log.Fields{
		"team":  team,
		"table": table,
	}
	if issueKey != "" {
		f["issue_key"] = issueKey
	}
	if err != nil {
		f["kind"] = errs.GetKind(err).String()
		f["message"] = err.Error()
	}
	return f
}
