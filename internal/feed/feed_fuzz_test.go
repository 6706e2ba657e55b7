//go:build go1.18
// +build go1.18

package feed

import (
	"bytes"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"go.uber.org/zap"
)

// FuzzRead feeds arbitrary bytes through the reader. The reader may reject
// input but must never panic, and malformed input must never produce
// records.
func FuzzRead(f *testing.F) {
	f.Add([]byte(`{"epoch":1756100000}` + "\n" + `{"kind":"instance","record":{"instance_id":"i-1"}}`))
	f.Add([]byte(`{"rel":"MEMBER_OF","source":"a","target":"b"}`))
	f.Add([]byte("not json\n\n{}"))
	f.Add([]byte{0x00, 0xff, 0xfe})

	f.Fuzz(func(t *testing.T, data []byte) {
		snap, err := Read(bytes.NewReader(data), zap.NewNop())
		if err != nil {
			return
		}
		if snap.Records() < 0 || snap.Pairs() < 0 || snap.Malformed < 0 {
			t.Fatalf("negative counters: %+v", snap)
		}
	})
}

// FuzzEnvelopeRoundTrip writes structured envelopes and reads them back.
// Valid envelopes must survive the trip without being counted malformed.
func FuzzEnvelopeRoundTrip(f *testing.F) {
	f.Add([]byte("seed"))

	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		env := &Envelope{}
		if err := consumer.GenerateStruct(env); err != nil {
			return
		}
		if !env.valid() {
			return
		}

		var buf bytes.Buffer
		w := NewWriter(&buf)
		if err := w.writeEnvelope(env); err != nil {
			// Fuzzed records can hold unmarshalable values; not a bug.
			return
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}

		snap, err := Read(&buf, zap.NewNop())
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if snap.Malformed != 0 {
			t.Fatalf("valid envelope read back as malformed: %q", buf.String())
		}
	})
}
