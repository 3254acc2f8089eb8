// Package track implements the synthetic outbound audio track: a paced
// producer of fixed 20 ms stereo PCM frames at 48 kHz.
//
// Synthesized speech is enqueued as interleaved samples tagged with the
// sentence they belong to. A reader goroutine pulls frames with
// [Track.ReadFrame], which releases each frame on the wall-clock schedule
// start + pts/48000 so that playback neither races ahead nor drifts: the
// schedule is absolute, not an accumulation of sleeps. When the queue holds
// less than one full frame the track emits silence and keeps the clock
// running.
package track

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/audio"
)

const (
	// SampleRate is the track clock in frames per second.
	SampleRate = 48000

	// Channels is the number of interleaved output channels.
	Channels = 2

	// FrameDuration is the wall-clock span of one frame.
	FrameDuration = 20 * time.Millisecond

	// SamplesPerFrame is the per-channel sample count of one frame.
	SamplesPerFrame = SampleRate / 1000 * 20 // 960

	// frameLen is the interleaved sample count of one frame.
	frameLen = SamplesPerFrame * Channels

	// defaultMaxQueue bounds the sample queue to two seconds of audio.
	defaultMaxQueue = SampleRate * Channels * 2

	// DefaultStopDebounce is how long the track must stay silent after
	// speech before the stopped-speaking callback fires.
	DefaultStopDebounce = time.Second
)

// NoSentence tags samples that do not belong to a spoken sentence, such as
// ingested WAV audio. Sentence telemetry is suppressed for them.
const NoSentence = ^uint64(0)

// ErrClosed is returned by [Track.ReadFrame] after [Track.Close].
var ErrClosed = errors.New("track: closed")

// Frame is one 20 ms block of interleaved stereo PCM released by the track.
type Frame struct {
	// Data holds SamplesPerFrame*Channels interleaved samples.
	Data []int16

	// PTS is the presentation timestamp of the first sample, in units of
	// 1/SampleRate seconds. It advances by SamplesPerFrame per frame.
	PTS int64

	// Speaking is false for silence generated on queue underflow.
	Speaking bool
}

// Option configures a [Track] during construction.
type Option func(*Track)

// WithQueueLimit bounds the sample queue to roughly d of audio. On overflow
// the oldest samples are dropped. Values <= 0 keep the default of two
// seconds.
func WithQueueLimit(d time.Duration) Option {
	return func(t *Track) {
		if d > 0 {
			t.maxQueue = int(d.Seconds() * SampleRate * Channels)
		}
	}
}

// WithOnSentence registers fn to be called when playback advances into a new
// sentence. Each sentence id is reported at most once, from the goroutine
// calling [Track.ReadFrame]; fn must not block.
func WithOnSentence(fn func(sentenceID uint64)) Option {
	return func(t *Track) { t.onSentence = fn }
}

// WithOnStoppedSpeaking registers fn to be called once per speech run when
// the track has emitted only silence for [DefaultStopDebounce] after speech.
// fn runs on a timer goroutine and must not block.
func WithOnStoppedSpeaking(fn func()) Option {
	return func(t *Track) { t.onStopped = fn }
}

// WithStopDebounce overrides the silence duration before the
// stopped-speaking callback fires. Values <= 0 keep the default.
func WithStopDebounce(d time.Duration) Option {
	return func(t *Track) {
		if d > 0 {
			t.stopAfter = d
		}
	}
}

// WithClock overrides the wall clock and the pacing wait. Intended for
// tests; wait receives the remaining time until the next frame's release
// point and returns early with an error only when ctx is cancelled.
func WithClock(now func() time.Time, wait func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Track) {
		t.now = now
		t.wait = wait
	}
}

// Track is the synthetic audio source for one peer. Enqueue appends
// synthesized samples; a single reader drains it frame by frame in real
// time. All methods are safe for concurrent use, but only one goroutine
// should call ReadFrame.
type Track struct {
	onSentence func(uint64)
	onStopped  func()
	now        func() time.Time
	wait       func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	samples    []int16
	ids        []uint64 // parallel to samples
	pts        int64
	start      time.Time // zero until the first ReadFrame
	lastID     uint64
	haveLastID bool
	speaking   bool // last released frame carried queued audio
	stopArmed  bool // a stopped-speaking check is pending
	stopAfter  time.Duration
	stopTimer  *time.Timer
	dropped    uint64
	warnedDrop sync.Once
	maxQueue   int
	closed     bool
	closeCh    chan struct{}
}

// New creates an empty track. Call [Track.Close] to release it.
func New(opts ...Option) *Track {
	t := &Track{
		now:       time.Now,
		maxQueue:  defaultMaxQueue,
		stopAfter: DefaultStopDebounce,
		closeCh:   make(chan struct{}),
	}
	t.wait = t.sleepUntil
	for _, o := range opts {
		o(t)
	}
	return t
}

// Enqueue appends interleaved 48 kHz stereo samples tagged with sentenceID.
// Use [NoSentence] for audio that belongs to no sentence. On queue overflow
// the oldest samples are discarded.
func (t *Track) Enqueue(samples []int16, sentenceID uint64) {
	if len(samples) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.samples = append(t.samples, samples...)
	for range samples {
		t.ids = append(t.ids, sentenceID)
	}

	if over := len(t.samples) - t.maxQueue; over > 0 {
		t.samples = t.samples[over:]
		t.ids = t.ids[over:]
		t.dropped += uint64(over)
		t.warnedDrop.Do(func() {
			slog.Warn("audio track: queue overflow, dropping oldest samples",
				"dropped", over,
				"limit", t.maxQueue,
			)
		})
	}
}

// EnqueueWAV decodes a RIFF/WAVE stream of 16-bit PCM, converts it to the
// track format, and enqueues it without a sentence tag.
func (t *Track) EnqueueWAV(r io.Reader) error {
	format, samples, err := audio.DecodeWAV(r)
	if err != nil {
		return err
	}
	t.Enqueue(audio.Convert(samples, format, audio.TransportFormat), NoSentence)
	return nil
}

// IsSpeaking reports whether the queue holds at least one full frame of
// audio, i.e. the next released frame will carry speech.
func (t *Track) IsSpeaking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples) >= frameLen
}

// Dropped returns the total number of samples discarded due to overflow.
func (t *Track) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// ReadFrame blocks until the next frame's release point on the track clock
// and returns it. Underflow produces a silent frame; the clock keeps
// advancing so later audio stays on schedule. Returns [ErrClosed] after
// Close, or ctx.Err() when ctx is cancelled first.
func (t *Track) ReadFrame(ctx context.Context) (Frame, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Frame{}, ErrClosed
	}
	if t.start.IsZero() {
		t.start = t.now()
	}
	release := t.start.Add(time.Duration(t.pts) * time.Second / SampleRate)
	t.mu.Unlock()

	if d := release.Sub(t.now()); d > 0 {
		if err := t.wait(ctx, d); err != nil {
			return Frame{}, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Frame{}, ErrClosed
	}

	frame := Frame{PTS: t.pts}
	t.pts += SamplesPerFrame

	if len(t.samples) < frameLen {
		frame.Data = make([]int16, frameLen)
		t.noteSilenceLocked()
		return frame, nil
	}

	frame.Data = make([]int16, frameLen)
	copy(frame.Data, t.samples[:frameLen])
	frame.Speaking = true
	last := t.ids[frameLen-1]
	t.samples = t.samples[frameLen:]
	t.ids = t.ids[frameLen:]

	t.speaking = true
	if last != NoSentence && (!t.haveLastID || last != t.lastID) {
		t.lastID = last
		t.haveLastID = true
		if t.onSentence != nil {
			t.onSentence(last)
		}
	}
	return frame, nil
}

// noteSilenceLocked arms the stopped-speaking debounce on the first silent
// frame after speech. Must be called with t.mu held.
func (t *Track) noteSilenceLocked() {
	if !t.speaking {
		return
	}
	t.speaking = false
	if t.stopArmed {
		return
	}
	t.stopArmed = true
	t.stopTimer = time.AfterFunc(t.stopAfter, t.checkStopped)
}

// checkStopped fires one second after speech last gave way to silence. The
// callback is suppressed when speech resumed in the meantime.
func (t *Track) checkStopped() {
	t.mu.Lock()
	t.stopArmed = false
	stillSilent := !t.closed && len(t.samples) < frameLen && !t.speaking
	fn := t.onStopped
	t.mu.Unlock()

	if stillSilent && fn != nil {
		fn()
	}
}

// Close releases the track and unblocks any pending ReadFrame. It is safe
// to call more than once.
func (t *Track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.stopTimer != nil {
		t.stopTimer.Stop()
	}
	t.samples = nil
	t.ids = nil
	close(t.closeCh)
	return nil
}

// sleepUntil is the default pacing wait: a timer bounded by ctx and Close.
func (t *Track) sleepUntil(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closeCh:
		return ErrClosed
	case <-timer.C:
		return nil
	}
}
