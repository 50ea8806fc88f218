package agent

import (
	"context"
	"fmt"

	"github.com/classinsights/agent/internal/heartbeat"
	"github.com/classinsights/agent/internal/logging"
	"github.com/classinsights/agent/pkg/api"
)

// logSink ships log batches under the server-assigned device id.
type logSink struct {
	client *api.Client
	state  *heartbeat.DeviceState
}

func (s *logSink) SubmitLogs(ctx context.Context, entries []logging.LogEntry) error {
	id, ok := s.state.ComputerID()
	if !ok {
		return nil
	}
	return s.client.SubmitLogs(ctx, toLogRecords(id, entries))
}

func toLogRecords(computerID int, entries []logging.LogEntry) []api.LogRecord {
	records := make([]api.LogRecord, 0, len(entries))
	for _, e := range entries {
		rec := api.LogRecord{
			ComputerID: computerID,
			Timestamp:  e.Timestamp.UTC(),
			Level:      e.Level,
			Category:   e.Component,
			Message:    e.Message,
		}
		if v, ok := e.Fields["error"]; ok && v != nil {
			rec.Details = fmt.Sprint(v)
		}
		records = append(records, rec)
	}
	return records
}
