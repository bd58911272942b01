package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotationMode controls how often the file store starts a new log file.
type RotationMode string

const (
	RotateDaily   RotationMode = "daily"
	RotateWeekly  RotationMode = "weekly"
	RotateMonthly RotationMode = "monthly"
)

const (
	filePrefix = "audit_"
	fileSuffix = ".jsonl"
)

// File appends events as JSON lines to audit_<stamp>.jsonl files in a
// directory, one file per rotation period. Queries scan only the files
// whose period overlaps the filter's time range.
type File struct {
	dir    string
	mode   RotationMode
	logger *slog.Logger

	mu       sync.Mutex
	out      *os.File
	outStamp string

	now func() time.Time
}

var _ Store = (*File)(nil)

// NewFile opens (or creates) the audit directory. mode defaults to daily
// rotation.
func NewFile(dir string, mode RotationMode, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch mode {
	case RotateDaily, RotateWeekly, RotateMonthly:
	case "":
		mode = RotateDaily
	default:
		return nil, fmt.Errorf("audit: unknown rotation mode %q", mode)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	return &File{
		dir:    dir,
		mode:   mode,
		logger: logger.With("component", "audit_file"),
		now:    time.Now,
	}, nil
}

func (f *File) Write(ctx context.Context, e *Event) error {
	return f.WriteBatch(ctx, []*Event{e})
}

func (f *File) WriteBatch(_ context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("audit: encode event: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out, err := f.currentLocked()
	if err != nil {
		return err
	}
	if _, err := out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// currentLocked returns the file for the current period, rotating when
// the period stamp has changed since the last write.
func (f *File) currentLocked() (*os.File, error) {
	stamp := f.stamp(f.now().UTC())
	if f.out != nil && f.outStamp == stamp {
		return f.out, nil
	}
	if f.out != nil {
		if err := f.out.Close(); err != nil {
			f.logger.Warn("closing rotated audit file", "error", err)
		}
		f.out = nil
	}
	name := filepath.Join(f.dir, filePrefix+stamp+fileSuffix)
	out, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", name, err)
	}
	f.out = out
	f.outStamp = stamp
	return out, nil
}

func (f *File) stamp(t time.Time) string {
	switch f.mode {
	case RotateWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04dW%02d", year, week)
	case RotateMonthly:
		return t.Format("200601")
	default:
		return t.Format("20060102")
	}
}

// period maps a filename stamp back to its [start, end) interval.
func (f *File) period(stamp string) (start, end time.Time, ok bool) {
	switch f.mode {
	case RotateWeekly:
		var year, week int
		if _, err := fmt.Sscanf(stamp, "%4dW%2d", &year, &week); err != nil {
			return time.Time{}, time.Time{}, false
		}
		// January 4th always falls in ISO week 1.
		jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
		monday := jan4.AddDate(0, 0, -(int(jan4.Weekday()+6) % 7))
		start = monday.AddDate(0, 0, (week-1)*7)
		return start, start.AddDate(0, 0, 7), true
	case RotateMonthly:
		start, err := time.Parse("200601", stamp)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return start, start.AddDate(0, 1, 0), true
	default:
		start, err := time.Parse("20060102", stamp)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return start, start.AddDate(0, 0, 1), true
	}
}

func (f *File) Query(ctx context.Context, filter Filter) ([]*Event, error) {
	matched, err := f.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if limit := filter.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (f *File) Summary(ctx context.Context, filter Filter) (*Summary, error) {
	matched, err := f.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	return NewSummary(matched), nil
}

// scan reads every file overlapping the filter's time range and returns
// the matching events. Lines that fail to decode are skipped.
func (f *File) scan(ctx context.Context, filter Filter) ([]*Event, error) {
	names, err := f.listFiles()
	if err != nil {
		return nil, err
	}
	var matched []*Event
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if start, end, ok := f.period(stamp); ok {
			if !filter.Since.IsZero() && !end.After(filter.Since) {
				continue
			}
			if !filter.Until.IsZero() && !start.Before(filter.Until) {
				continue
			}
		}
		events, err := f.scanFile(filepath.Join(f.dir, name), filter)
		if err != nil {
			return nil, err
		}
		matched = append(matched, events...)
	}
	return matched, nil
}

func (f *File) scanFile(path string, filter Filter) ([]*Event, error) {
	in, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer in.Close()

	var matched []*Event
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		e := &Event{}
		if err := json.Unmarshal(line, e); err != nil {
			f.logger.Warn("skipping undecodable audit line", "file", filepath.Base(path), "error", err)
			continue
		}
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", path, err)
	}
	return matched, nil
}

func (f *File) listFiles() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("audit: read dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Cleanup removes whole files whose rotation period ended before the
// cutoff and returns how many it deleted. The file for the current
// period is never removed.
func (f *File) Cleanup(_ context.Context, olderThan time.Time) (int, error) {
	names, err := f.listFiles()
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for _, name := range names {
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		_, end, ok := f.period(stamp)
		if !ok || end.After(olderThan) || stamp == f.stamp(f.now().UTC()) {
			continue
		}
		if f.out != nil && f.outStamp == stamp {
			f.out.Close()
			f.out = nil
			f.outStamp = ""
		}
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil {
			return removed, fmt.Errorf("audit: remove %s: %w", name, err)
		}
		removed++
	}
	if removed > 0 {
		f.logger.Info("removed expired audit files", "count", removed)
	}
	return removed, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.out == nil {
		return nil
	}
	err := f.out.Close()
	f.out = nil
	return err
}
