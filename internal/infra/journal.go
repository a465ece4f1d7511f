package infra

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/quietscreen/usaged/internal/domain"
)

// EventJournal is an append-only JSON-lines log of raw foreground and
// background events, replayed by the estimator's bulk sync. It stands in
// for the platform's usage-stats event log: a missing journal is the
// permission-not-granted case and yields no data, never an error.
type EventJournal struct {
	path string

	mu sync.Mutex
	f  *os.File
}

type journalLine struct {
	Package string `json:"package"`
	Type    string `json:"type"`
	TsMs    int64  `json:"ts_ms"`
}

// NewEventJournal creates a journal backed by the given file. The file
// is created lazily on first append.
func NewEventJournal(path string) *EventJournal {
	return &EventJournal{path: path}
}

// Append writes one event to the journal.
func (j *EventJournal) Append(ev domain.AppEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open event journal: %w", err)
		}
		j.f = f
	}

	line, err := sonic.Marshal(journalLine{
		Package: ev.PackageName,
		Type:    string(ev.Type),
		TsMs:    ev.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode journal event: %w", err)
	}
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append journal event: %w", err)
	}
	return nil
}

// QueryForegroundEvents returns events with timestamps in [start, end],
// in file order. Malformed lines are skipped.
func (j *EventJournal) QueryForegroundEvents(ctx context.Context, start, end time.Time) ([]domain.AppEvent, error) {
	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}
	defer f.Close()

	var events []domain.AppEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var line journalLine
		if err := sonic.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		ts := time.UnixMilli(line.TsMs)
		if ts.Before(start) || ts.After(end) {
			continue
		}
		events = append(events, domain.AppEvent{
			PackageName: line.Package,
			Type:        domain.AppEventType(line.Type),
			Timestamp:   ts,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event journal: %w", err)
	}
	return events, nil
}

// Close closes the journal file if open.
func (j *EventJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// Ensure EventJournal implements domain.UsageStatsSource.
var _ domain.UsageStatsSource = (*EventJournal)(nil)
