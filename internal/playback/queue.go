package playback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/loop"
	"github.com/MrWong99/parley/internal/observe"
)

// Queue plays clips one at a time in FIFO order.
//
// Queue is not safe for concurrent use: all methods and the onClipEnded
// callback run on the owning [loop.Loop].
type Queue struct {
	loop     *loop.Loop
	primary  Strategy
	fallback Strategy
	metrics  *observe.Metrics

	onClipEnded func(Result)

	pending []Clip
	current *inflight
	token   uint64
}

// inflight is the clip being played and its cancellation handle.
type inflight struct {
	clip     Clip
	token    uint64
	strategy Strategy
	cancel   context.CancelFunc
	started  time.Time
}

// Option configures a [Queue].
type Option func(*Queue)

// WithOnClipEnded registers the callback fired exactly once for every clip
// that finishes, successfully or not. Flushed clips do not fire it. The
// queue reports Playing() == false while the callback runs.
func WithOnClipEnded(fn func(Result)) Option {
	return func(q *Queue) { q.onClipEnded = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a Queue. primary may be nil, in which case every clip goes to
// fallback. fallback must not be nil.
func New(l *loop.Loop, primary, fallback Strategy, opts ...Option) *Queue {
	q := &Queue{
		loop:     l,
		primary:  primary,
		fallback: fallback,
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	return q
}

// Enqueue appends clip to the tail and starts it if nothing is playing.
func (q *Queue) Enqueue(clip Clip) {
	q.pending = append(q.pending, clip)
	q.metrics.QueueDepth.Add(context.Background(), 1)
	slog.Debug("playback: clip enqueued", "clip_id", clip.ID, "mime", clip.MIME, "bytes", len(clip.Payload), "pending", len(q.pending))
	q.advance()
}

// Flush drops all pending clips and cancels the in-flight one. No
// onClipEnded callback fires for any of them.
func (q *Queue) Flush() {
	dropped := len(q.pending)
	q.pending = nil
	if q.current != nil {
		q.current.cancel()
		q.current = nil
		dropped++
	}
	q.token++
	if dropped > 0 {
		q.metrics.QueueDepth.Add(context.Background(), int64(-dropped))
		slog.Info("playback: queue flushed", "dropped", dropped)
	}
}

// Playing reports whether a clip is in flight.
func (q *Queue) Playing() bool { return q.current != nil }

// Len returns the number of clips waiting behind the in-flight one.
func (q *Queue) Len() int { return len(q.pending) }

// Idle reports whether nothing is playing and nothing is waiting.
func (q *Queue) Idle() bool { return q.current == nil && len(q.pending) == 0 }

func (q *Queue) advance() {
	if q.current != nil || len(q.pending) == 0 {
		return
	}
	clip := q.pending[0]
	q.pending[0] = Clip{}
	q.pending = q.pending[1:]

	q.token++
	cur := &inflight{clip: clip, token: q.token, started: time.Now()}
	q.current = cur

	s := q.fallback
	if q.primary != nil && q.primary.Available() {
		s = q.primary
	}
	q.start(cur, s)
}

func (q *Queue) start(cur *inflight, s Strategy) {
	ctx, cancel := context.WithCancel(context.Background())
	cur.strategy = s
	cur.cancel = cancel

	slog.Debug("playback: clip started", "clip_id", cur.clip.ID, "strategy", s.Name())
	s.Play(ctx, cur.clip, q.completion(cur.token, s))
}

// completion returns the done callback for one strategy attempt. Only the
// first call for the current token has any effect.
func (q *Queue) completion(token uint64, s Strategy) func(error) {
	return func(err error) {
		q.loop.Post(func() { q.finished(token, s, err) })
	}
}

func (q *Queue) finished(token uint64, s Strategy, err error) {
	cur := q.current
	if cur == nil || cur.token != token || cur.strategy != s {
		return
	}
	cur.cancel()
	ctx := context.Background()

	if err != nil && s != q.fallback {
		slog.Warn("playback: primary strategy failed, using fallback",
			"clip_id", cur.clip.ID,
			"strategy", s.Name(),
			"fallback", q.fallback.Name(),
			"err", err,
		)
		q.metrics.RecordPlaybackFallback(ctx, s.Name())
		q.start(cur, q.fallback)
		return
	}

	res := Result{Clip: cur.clip, Strategy: s.Name()}
	status := "ok"
	if err != nil {
		res.Err = fmt.Errorf("%w: clip %s: %w", ErrPlaybackDecode, cur.clip.ID, err)
		status = "failed"
		slog.Error("playback: all strategies failed, skipping clip", "clip_id", cur.clip.ID, "err", err)
	}
	q.metrics.RecordClip(ctx, s.Name(), status, time.Since(cur.started))
	q.metrics.QueueDepth.Add(ctx, -1)

	q.current = nil
	if q.onClipEnded != nil {
		q.onClipEnded(res)
	}
	q.advance()
}
