// Package tailfile implements the stateful reader over a single
// append-only file: a buffered line framer tolerant of LF and CRLF, an
// optional multiline aggregator, and the pos/lineReadPos cursor pair that
// lets the engine promote offsets only after a downstream commit.
package tailfile

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"tailsource/internal/identity"
	"tailsource/internal/logging"
	"tailsource/internal/record"
)

// BufferSize is the size of the internal read buffer refilled from the
// underlying file on each fetch (§4.3.1).
const BufferSize = 8192

// TailFile is the per-file reader entity. The Registry owns its lifetime;
// callers must hold whatever lock the Registry uses for the duration of a
// ReadEvents/UpdatePos call, since TailFile itself does no locking.
type TailFile struct {
	Path     string
	Identity identity.FileIdentity
	Headers  map[string]string

	file *os.File
	pos  int64 // last committed offset
	lrp  int64 // tentative read cursor, lrp >= pos always

	carry []byte // oldBuffer: bytes read past lrp not yet forming a complete record
	ml    *multilineState

	LastUpdated time.Time

	logger *slog.Logger
}

// Config configures a new TailFile.
type Config struct {
	Path      string
	Identity  identity.FileIdentity
	File      *os.File
	Pos       int64 // starting committed offset
	Headers   map[string]string
	Multiline *MultilineConfig // nil disables multiline aggregation
	Logger    *slog.Logger
}

// Open constructs a TailFile positioned at cfg.Pos.
func Open(cfg Config) (*TailFile, error) {
	if _, err := cfg.File.Seek(cfg.Pos, io.SeekStart); err != nil {
		return nil, fmt.Errorf("tailfile: seek to %d: %w", cfg.Pos, err)
	}
	tf := &TailFile{
		Path:        cfg.Path,
		Identity:    cfg.Identity,
		Headers:     cfg.Headers,
		file:        cfg.File,
		pos:         cfg.Pos,
		lrp:         cfg.Pos,
		LastUpdated: time.Now(),
		logger:      logging.Default(cfg.Logger).With("component", "tailfile", "path", cfg.Path),
	}
	if cfg.Multiline != nil {
		tf.ml = newMultilineState(*cfg.Multiline)
	}
	return tf, nil
}

// Pos returns the last committed offset.
func (tf *TailFile) Pos() int64 { return tf.pos }

// LineReadPos returns the tentative read cursor.
func (tf *TailFile) LineReadPos() int64 { return tf.lrp }

// ReadEvents returns up to n framed records. Fewer (including zero) are
// returned when no complete record is available. Only lrp advances; pos is
// untouched until the caller invokes Promote (or UpdatePos) after a
// successful commit.
func (tf *TailFile) ReadEvents(n int, backoffWithoutNL, addByteOffset bool) ([]record.Record, error) {
	var out []record.Record

	for len(out) < n {
		startOffset := tf.lrp
		line, hadSep, ok, err := tf.nextRawLine(backoffWithoutNL)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}

		if tf.ml != nil {
			if rec, emitted := tf.ml.feed(line, hadSep, startOffset, tf.Headers); emitted {
				out = append(out, tf.finish(rec))
			}
			continue
		}

		rec := record.Record{
			Raw:         line,
			Headers:     tf.Headers,
			Path:        tf.Path,
			StartOffset: startOffset,
		}
		if addByteOffset {
			rec = rec.WithHeader("byteoffset", fmt.Sprintf("%d", startOffset))
		}
		out = append(out, tf.finish(rec))
	}

	// A stalled multiline accumulation is force-flushed at the start of the
	// caller's next poll cycle (§4.3.3), not mid-loop here; see FlushStale.
	return out, nil
}

// FlushStale force-emits a pending multiline event that has exceeded its
// stall timeout. The engine calls it once per poll cycle for every tracked
// file, before that file's new reads.
func (tf *TailFile) FlushStale(now time.Time) (record.Record, bool) {
	if tf.ml == nil {
		return record.Record{}, false
	}
	rec, ok := tf.ml.flushIfStale(now, tf.Headers)
	if !ok {
		return record.Record{}, false
	}
	return tf.finish(rec), true
}

func (tf *TailFile) finish(rec record.Record) record.Record {
	rec.Path = tf.Path
	return rec
}

// nextRawLine returns the next LF-delimited (CRLF tolerant) line from the
// file, advancing lrp by exactly the number of source bytes consumed
// (including the stripped separator). ok is false when no complete record
// is currently available: either genuinely no data, or a trailing partial
// line withheld because backoffWithoutNL is set.
func (tf *TailFile) nextRawLine(backoffWithoutNL bool) (line []byte, hadSep, ok bool, err error) {
	buf := make([]byte, BufferSize)
	for {
		if idx := bytes.IndexByte(tf.carry, '\n'); idx >= 0 {
			raw := tf.carry[:idx]
			if len(raw) > 0 && raw[len(raw)-1] == '\r' {
				raw = raw[:len(raw)-1]
			}
			out := make([]byte, len(raw))
			copy(out, raw)
			consumed := idx + 1
			remaining := make([]byte, len(tf.carry)-consumed)
			copy(remaining, tf.carry[consumed:])
			tf.carry = remaining
			tf.lrp += int64(consumed)
			return out, true, true, nil
		}

		n, rerr := tf.file.Read(buf)
		if n > 0 {
			tf.carry = append(tf.carry, buf[:n]...)
			continue
		}
		if rerr == io.EOF || n == 0 {
			if len(tf.carry) == 0 {
				return nil, false, false, nil
			}
			if backoffWithoutNL {
				// Leave carry and lrp untouched; re-scanned verbatim once
				// more bytes arrive (equivalent to rewinding to the start
				// of the partial per §4.3.1).
				return nil, false, false, nil
			}
			out := make([]byte, len(tf.carry))
			copy(out, tf.carry)
			tf.lrp += int64(len(tf.carry))
			tf.carry = nil
			return out, false, true, nil
		}
		if rerr != nil {
			return nil, false, false, rerr
		}
	}
}

// UpdatePos seeks to pos, resets lrp to pos, and discards the framing
// carry-over buffer. Used both to promote pos forward after a successful
// commit and to rewind lrp back to pos after a rollback.
func (tf *TailFile) UpdatePos(pos int64) error {
	if _, err := tf.file.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("tailfile: seek to %d: %w", pos, err)
	}
	tf.pos = pos
	tf.lrp = pos
	tf.carry = nil
	return nil
}

// Promote advances pos after a successful channel commit. Unlike UpdatePos
// it does not reseek or discard carry, since lrp already reflects
// everything read so far and reading continues from there.
//
// When a multiline accumulation is still pending, lrp has already moved
// past its first line even though that line hasn't been emitted as a
// record yet. Promoting pos all the way to lrp in that case would mark
// those bytes committed before they ever reached the channel, violating
// P2. Instead pos stops at the pending event's start offset; the pending
// lines are re-read (and re-accumulated) after a restart, which is within
// the at-least-once contract.
func (tf *TailFile) Promote() {
	if tf.ml != nil && tf.ml.pending != nil {
		tf.pos = tf.ml.pending.startOffset
		return
	}
	tf.pos = tf.lrp
}

// Rollback discards everything read-but-uncommitted this cycle, rewinding
// lrp back to the last committed pos and clearing the carry-over buffer and
// any in-flight multiline accumulation, so the same bytes are re-read next
// cycle.
func (tf *TailFile) Rollback() error {
	if err := tf.UpdatePos(tf.pos); err != nil {
		return err
	}
	if tf.ml != nil {
		tf.ml.reset()
	}
	return nil
}

// Reopen swaps in a freshly opened handle (rotation) or reseeks the
// existing one (truncation), resetting all framer state. newPos is 0 for
// both cases per §4.2 rules 4 and 6.
func (tf *TailFile) Reopen(f *os.File, id identity.FileIdentity, newPos int64) error {
	if tf.file != nil && tf.file != f {
		_ = tf.file.Close()
	}
	tf.file = f
	tf.Identity = id
	if _, err := f.Seek(newPos, io.SeekStart); err != nil {
		return fmt.Errorf("tailfile: reopen seek: %w", err)
	}
	tf.pos = newPos
	tf.lrp = newPos
	tf.carry = nil
	if tf.ml != nil {
		tf.ml.reset()
	}
	return nil
}

// Close releases the file handle, retaining all offsets so a later Reattach
// (or a process restart via the Position Store) resumes
// from exactly where this TailFile left off.
func (tf *TailFile) Close() error {
	if tf.file == nil {
		return nil
	}
	err := tf.file.Close()
	tf.file = nil
	return err
}

// Reattach gives a closed (evicted) TailFile a freshly opened handle on the
// same underlying file, seeking to the committed pos so reads resume
// without re-emitting already-committed bytes.
func (tf *TailFile) Reattach(f *os.File) error {
	tf.file = f
	if _, err := f.Seek(tf.pos, io.SeekStart); err != nil {
		return fmt.Errorf("tailfile: reattach seek: %w", err)
	}
	tf.lrp = tf.pos
	tf.carry = nil
	return nil
}

// IsOpen reports whether Reattach is needed before the next read.
func (tf *TailFile) IsOpen() bool { return tf.file != nil }
