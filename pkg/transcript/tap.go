// Package transcript taps inbound caller audio into a live transcription
// stream. The tap never blocks the audio relay: chunks that cannot be queued
// are dropped.
package transcript

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callbridge/pkg/errorsx"
)

// Tap receives a copy of each inbound μ-law chunk.
type Tap interface {
	Write(mulaw []byte)
	Close() error
}

// Opener starts a tap for one call.
type Opener interface {
	Open(ctx context.Context, callID, streamID string) (Tap, error)
}

type NoopOpener struct{}

func (NoopOpener) Open(context.Context, string, string) (Tap, error) { return noopTap{}, nil }

type noopTap struct{}

func (noopTap) Write([]byte) {}
func (noopTap) Close() error { return nil }

// streamTap pumps queued audio into w from a single goroutine.
type streamTap struct {
	w     io.WriteCloser
	stop  func()
	log   *slog.Logger
	audio chan []byte
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	dropped atomic.Int64
}

func newStreamTap(w io.WriteCloser, stop func(), buffer int, log *slog.Logger) *streamTap {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	t := &streamTap{
		w:     w,
		stop:  stop,
		log:   log,
		audio: make(chan []byte, buffer),
		done:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.pump()
	return t
}

func (t *streamTap) Write(mulaw []byte) {
	if len(mulaw) == 0 {
		return
	}
	select {
	case <-t.done:
		return
	default:
	}
	chunk := append([]byte(nil), mulaw...)
	select {
	case t.audio <- chunk:
	default:
		t.dropped.Add(1)
	}
}

func (t *streamTap) pump() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case chunk := <-t.audio:
			if _, err := t.w.Write(chunk); err != nil {
				t.log.Warn("transcript_write_failed",
					"reason_code", string(errorsx.ReasonTranscriptTap),
					"error", err,
				)
				return
			}
		}
	}
}

// Dropped reports how many chunks were discarded because the queue was full.
func (t *streamTap) Dropped() int64 { return t.dropped.Load() }

func (t *streamTap) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.w.Close()
		t.wg.Wait()
		if t.stop != nil {
			t.stop()
		}
		if n := t.dropped.Load(); n > 0 {
			t.log.Info("transcript_chunks_dropped", "count", n)
		}
	})
	return err
}
