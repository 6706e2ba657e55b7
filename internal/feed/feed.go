// Package feed reads and writes resource snapshot feeds: newline-delimited
// JSON envelopes carrying resource records, explicit relationship pairs,
// and epoch markers. Files ending in .br are brotli-compressed
// transparently in both directions. A malformed line is counted and
// skipped, never fatal, because one corrupt record must not discard an
// otherwise good snapshot.
package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/internal/graph"
	"github.com/xkilldash9x/atlas-cli/internal/ingest"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxLineSize bounds a single feed line. Records carry resource
// properties, not blobs; anything past this is corruption.
const maxLineSize = 4 * 1024 * 1024

// Envelope is one feed line. Exactly one of the three forms is populated:
//
//	{"kind":"instance","record":{"instance_id":"i-1",...}}
//	{"rel":"MEMBER_OF","source":"i-1","target":"g-1"}
//	{"epoch":1756100000}
type Envelope struct {
	Kind   string       `json:"kind,omitempty"`
	Record graph.Record `json:"record,omitempty"`

	Rel    string `json:"rel,omitempty"`
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`

	Epoch int64 `json:"epoch,omitempty"`
}

// valid reports whether the envelope matches exactly one known form.
func (e *Envelope) valid() bool {
	switch {
	case e.Kind != "":
		return len(e.Record) > 0 && e.Rel == "" && e.Epoch == 0
	case e.Rel != "":
		return e.Source != "" && e.Target != "" && e.Epoch == 0
	case e.Epoch > 0:
		return true
	default:
		return false
	}
}

// Snapshot is the accumulated content of one feed read.
type Snapshot struct {
	RecordsByKind map[string][]graph.Record
	PairsByRel    map[string][]ingest.Pair
	// Epoch is the last epoch marker seen, zero when the feed carried none.
	Epoch int64
	// Malformed counts skipped lines.
	Malformed int
}

// NewSnapshot returns an empty snapshot ready to accumulate envelopes.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		RecordsByKind: make(map[string][]graph.Record),
		PairsByRel:    make(map[string][]ingest.Pair),
	}
}

// Add folds one envelope into the snapshot.
func (s *Snapshot) Add(env *Envelope) {
	switch {
	case env.Kind != "":
		s.RecordsByKind[env.Kind] = append(s.RecordsByKind[env.Kind], env.Record)
	case env.Rel != "":
		s.PairsByRel[env.Rel] = append(s.PairsByRel[env.Rel],
			ingest.Pair{SourceID: env.Source, TargetID: env.Target})
	case env.Epoch > 0:
		s.Epoch = env.Epoch
	}
}

// Records counts the resource records across all kinds.
func (s *Snapshot) Records() int {
	n := 0
	for _, recs := range s.RecordsByKind {
		n += len(recs)
	}
	return n
}

// Pairs counts the explicit relationship pairs across all labels.
func (s *Snapshot) Pairs() int {
	n := 0
	for _, pairs := range s.PairsByRel {
		n += len(pairs)
	}
	return n
}

// Open opens a feed file for reading, decompressing .br files
// transparently.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening feed: %w", err)
	}
	if strings.HasSuffix(path, ".br") {
		return &brotliReadCloser{Reader: brotli.NewReader(f), file: f}, nil
	}
	return f, nil
}

// brotliReadCloser decompresses through to the underlying file and closes
// the file, not the stateless brotli reader.
type brotliReadCloser struct {
	io.Reader
	file *os.File
}

func (b *brotliReadCloser) Close() error {
	return b.file.Close()
}

// Read consumes every line of r into a snapshot. Undecodable or
// unrecognizable lines are logged and counted, not fatal.
func Read(r io.Reader, logger *zap.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	snap := NewSnapshot()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var env Envelope
		if err := json.UnmarshalFromString(line, &env); err != nil {
			snap.Malformed++
			logger.Warn("Skipping malformed feed line",
				zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		if !env.valid() {
			snap.Malformed++
			logger.Warn("Skipping unrecognized feed line", zap.Int("line", lineNo))
			continue
		}
		snap.Add(&env)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading feed: %w", err)
	}
	return snap, nil
}

// ReadFile reads an entire feed file into a snapshot.
func ReadFile(path string, logger *zap.Logger) (*Snapshot, error) {
	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return Read(rc, logger)
}

// Writer emits feed envelopes as NDJSON.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w for envelope output. Call Flush before closing the
// underlying writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) writeEnvelope(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// WriteEpoch emits an epoch marker.
func (w *Writer) WriteEpoch(epoch int64) error {
	return w.writeEnvelope(&Envelope{Epoch: epoch})
}

// WriteRecord emits one resource record.
func (w *Writer) WriteRecord(kind string, rec graph.Record) error {
	return w.writeEnvelope(&Envelope{Kind: kind, Record: rec})
}

// WritePair emits one explicit relationship pair.
func (w *Writer) WritePair(rel string, p ingest.Pair) error {
	return w.writeEnvelope(&Envelope{Rel: rel, Source: p.SourceID, Target: p.TargetID})
}

// Flush drains buffered output.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Create opens a feed file for writing, compressing .br paths
// transparently. The returned closer flushes compression before closing
// the file.
func Create(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating feed: %w", err)
	}
	if strings.HasSuffix(path, ".br") {
		return &brotliWriteCloser{Writer: brotli.NewWriter(f), file: f}, nil
	}
	return f, nil
}

type brotliWriteCloser struct {
	*brotli.Writer
	file *os.File
}

func (b *brotliWriteCloser) Close() error {
	if err := b.Writer.Close(); err != nil {
		b.file.Close()
		return err
	}
	return b.file.Close()
}

// Follow tails a live feed file, invoking fn for every decoded envelope
// until ctx is canceled or fn returns an error. The file may not exist
// yet; rotation reopens it.
func Follow(ctx context.Context, path string, fn func(*Envelope) error, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tailing feed: %w", err)
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				logger.Warn("Feed tail error", zap.Error(line.Err))
				continue
			}
			text := strings.TrimSpace(line.Text)
			if text == "" {
				continue
			}
			var env Envelope
			if err := json.UnmarshalFromString(text, &env); err != nil {
				logger.Warn("Skipping malformed feed line", zap.Error(err))
				continue
			}
			if !env.valid() {
				logger.Warn("Skipping unrecognized feed line")
				continue
			}
			if err := fn(&env); err != nil {
				return err
			}
		}
	}
}
