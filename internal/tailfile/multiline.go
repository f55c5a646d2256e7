package tailfile

import (
	"bytes"
	"regexp"
	"time"

	"tailsource/internal/record"
)

// Belong selects whether a matching line attaches to the event that
// precedes it or the event it opens.
type Belong string

const (
	BelongPrevious Belong = "previous"
	BelongNext     Belong = "next"
)

// MultilineConfig configures the regex-driven multiline aggregator
// (§4.3.3).
type MultilineConfig struct {
	Pattern *regexp.Regexp
	Belong  Belong
	Matched bool // polarity: see belongs() below
	MaxBytes int
	MaxLines int
	Timeout  time.Duration
}

// pendingEvent accumulates lines into a single merged record body.
type pendingEvent struct {
	body        bytes.Buffer
	lines       int
	startOffset int64
	started     time.Time
}

type multilineState struct {
	cfg     MultilineConfig
	pending *pendingEvent
}

func newMultilineState(cfg MultilineConfig) *multilineState {
	return &multilineState{cfg: cfg}
}

func (m *multilineState) reset() {
	m.pending = nil
}

// belongs reports whether line is a "continuation" line under the
// configured pattern and polarity. Matched=true means a regex match marks a
// continuation line; Matched=false inverts that (a regex match marks a
// line that breaks the accumulation instead).
func (m *multilineState) belongs(line []byte) bool {
	return m.cfg.Pattern.Match(line) == m.cfg.Matched
}

func (m *multilineState) newPending(line []byte, hadSep bool, startOffset int64, now time.Time) *pendingEvent {
	p := &pendingEvent{startOffset: startOffset, started: now}
	appendLine(&p.body, line, hadSep)
	p.lines = 1
	return p
}

func appendLine(buf *bytes.Buffer, line []byte, hadSep bool) {
	buf.Write(line)
	if hadSep {
		buf.WriteByte('\n')
	}
}

// feed processes one raw framed line and returns an emitted record when the
// aggregation rule (mode, force-flush limits) closes an event.
func (m *multilineState) feed(line []byte, hadSep bool, startOffset int64, headers map[string]string) (record.Record, bool) {
	now := time.Now()

	switch m.cfg.Belong {
	case BelongNext:
		if m.pending == nil {
			m.pending = m.newPending(line, hadSep, startOffset, now)
		} else {
			appendLine(&m.pending.body, line, hadSep)
			m.pending.lines++
		}
		if !m.belongs(line) || m.exceeded() {
			return m.emit(headers), true
		}
		return record.Record{}, false

	default: // BelongPrevious
		if m.pending == nil {
			m.pending = m.newPending(line, hadSep, startOffset, now)
			if m.exceeded() {
				return m.emit(headers), true
			}
			return record.Record{}, false
		}
		if m.belongs(line) {
			appendLine(&m.pending.body, line, hadSep)
			m.pending.lines++
			if m.exceeded() {
				return m.emit(headers), true
			}
			return record.Record{}, false
		}
		// Non-matching line closes the pending event and starts a new one.
		closed := m.emit(headers)
		m.pending = m.newPending(line, hadSep, startOffset, now)
		return closed, true
	}
}

func (m *multilineState) exceeded() bool {
	if m.pending == nil {
		return false
	}
	if m.cfg.MaxBytes > 0 && m.pending.body.Len() >= m.cfg.MaxBytes {
		return true
	}
	if m.cfg.MaxLines > 0 && m.pending.lines >= m.cfg.MaxLines {
		return true
	}
	return false
}

// flushIfStale force-emits the pending event if it has been accumulating
// longer than the configured timeout, checked once per poll cycle.
func (m *multilineState) flushIfStale(now time.Time, headers map[string]string) (record.Record, bool) {
	if m.pending == nil || m.cfg.Timeout <= 0 {
		return record.Record{}, false
	}
	if now.Sub(m.pending.started) <= m.cfg.Timeout {
		return record.Record{}, false
	}
	return m.emit(headers), true
}

func (m *multilineState) emit(headers map[string]string) record.Record {
	p := m.pending
	m.pending = nil

	rec := record.Record{
		Raw:         p.body.Bytes(),
		Headers:     headers,
		StartOffset: p.startOffset,
	}
	rec = rec.WithHeader("multiline", "true")
	rec = rec.WithHeader("multiline_timestamp", p.started.UTC().Format(time.RFC3339Nano))
	return rec
}
