package transcription

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/transcript"
	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	"github.com/MrWong99/meetscribe/pkg/provider/vad"
)

// task is one entry of a participant's offload queue. It either carries
// audio for sess (or a fragment request when sess is nil and the service
// transcribes fragments), or ends sess after everything queued before it
// was sent.
type task struct {
	req  stt.Request
	sess stt.StreamingSession
	end  bool
}

// Participant is the per-SSRC part of the pipeline. It turns the frames of
// one conference participant into transcription requests and relays the
// results back to its [Transcriber].
//
// GiveBuffer runs on the audio callback and never blocks on I/O: audio is
// buffered locally and handed to a single goroutine that talks to the
// provider in FIFO order.
type Participant struct {
	t    *Transcriber
	ssrc uint32
	log  *slog.Logger

	// lifecycle serialises Joined and Left.
	lifecycle sync.Mutex

	smu        sync.Mutex
	name       string
	sourceLang string
	targetLang string
	session    stt.StreamingSession

	// amu guards the audio path.
	amu       sync.Mutex
	format    audio.Format
	hasFormat bool
	pcm       audio.Format
	decoder   *audio.OpusDecoder
	filter    *vad.SilenceFilter
	noFilter  bool
	carry     []byte
	buf       *audio.Buffer

	// qmu guards sends on queue against its close. Senders hold it shared.
	qmu    sync.RWMutex
	closed bool
	queue  chan task
	done   chan struct{}
}

func newParticipant(t *Transcriber, name string, ssrc uint32, opts ...ParticipantOption) *Participant {
	p := &Participant{
		t:     t,
		ssrc:  ssrc,
		name:  name,
		log:   t.log.With("ssrc", ssrc),
		buf:   audio.NewBuffer(t.cfg.MaxBuffered),
		queue: make(chan task, t.cfg.QueueSize),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.offload()
	return p
}

// SSRC returns the participant's stream identifier.
func (p *Participant) SSRC() uint32 { return p.ssrc }

// Name returns the display name.
func (p *Participant) Name() string {
	p.smu.Lock()
	defer p.smu.Unlock()
	return p.name
}

// Language returns the locale the participant speaks.
func (p *Participant) Language() string {
	p.smu.Lock()
	defer p.smu.Unlock()
	return p.sourceLang
}

// TargetLanguage returns the locale results should be translated to.
func (p *Participant) TargetLanguage() string {
	p.smu.Lock()
	defer p.smu.Unlock()
	return p.targetLang
}

func (p *Participant) update(name string, opts ...ParticipantOption) {
	p.smu.Lock()
	defer p.smu.Unlock()
	if name != "" {
		p.name = name
	}
	for _, o := range opts {
		o(p)
	}
}

func (p *Participant) identity() transcript.Participant {
	p.smu.Lock()
	defer p.smu.Unlock()
	return transcript.Participant{SSRC: p.ssrc, Name: p.name, Language: p.sourceLang}
}

// Joined opens a streaming session unless one is already live or the
// service cannot stream. Calling it again is a no-op.
func (p *Participant) Joined(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	svc := p.t.svc
	if !svc.SupportsStreamRecognition() {
		return nil
	}

	// once Stop began, Left may already have run for this participant
	if p.isClosed() || p.t.State() >= StateFinishingUp {
		return nil
	}
	format := p.sessionFormat()
	p.smu.Lock()
	if p.session != nil && !p.session.Ended() {
		p.smu.Unlock()
		return nil
	}
	cfg := stt.SessionConfig{
		Room:     p.t.room,
		Speaker:  stt.Speaker{SSRC: p.ssrc, Name: p.name},
		Language: p.sourceLang,
		Format:   format,
	}
	p.smu.Unlock()

	ctx, span := observe.StartSpeakerSpan(ctx, "transcription.join", p.t.room, p.ssrc, svc.Name())
	sess, err := svc.InitStreamingSession(ctx, cfg)
	observe.EndSpan(span, err)
	if err != nil {
		p.t.metrics.RecordProviderError(ctx, svc.Name(), "session")
		return err
	}
	sess.AddListener(&sessionListener{p: p, sess: sess})

	p.smu.Lock()
	p.session = sess
	p.smu.Unlock()
	p.log.Debug("streaming session opened", "provider", svc.Name())
	return nil
}

// sessionFormat is the PCM format announced to the backend.
func (p *Participant) sessionFormat() audio.Format {
	p.amu.Lock()
	defer p.amu.Unlock()
	if p.pcm.SampleRate != 0 {
		return p.pcm
	}
	return p.t.cfg.Format
}

// Left flushes the buffered remainder and ends the current session once
// everything queued before it has been sent.
func (p *Participant) Left() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.amu.Lock()
	p.flushLocked()
	p.carry = p.carry[:0]
	if p.filter != nil {
		p.filter.Reset()
	}
	p.amu.Unlock()

	p.smu.Lock()
	sess := p.session
	p.session = nil
	p.smu.Unlock()

	if sess == nil {
		return
	}
	p.qmu.RLock()
	defer p.qmu.RUnlock()
	if p.closed {
		// the offload goroutine is gone
		_ = sess.End()
		return
	}
	// must not be dropped, so block instead of the audio path's select
	p.queue <- task{sess: sess, end: true}
}

// GiveBuffer feeds one frame into the pipeline. The first call fixes the
// participant's input format; frames in any other format are dropped.
// frame is not retained, so callers may reuse it.
func (p *Participant) GiveBuffer(frame []byte, format audio.Format) {
	p.amu.Lock()
	defer p.amu.Unlock()

	ctx := p.t.ctx
	if !p.hasFormat {
		p.format, p.hasFormat = format, true
	} else if format != p.format {
		p.t.metrics.RecordFrameDropped(ctx, observe.DropFormatChange)
		p.log.Debug("dropping frame with changed format", "want", p.format, "got", format)
		return
	}

	seg := audio.Segment{SSRC: p.ssrc, Data: frame, Format: format}
	if format.Encoding == audio.Opus {
		var err error
		if seg, err = p.decode(seg); err != nil {
			p.t.metrics.RecordFrameDropped(ctx, observe.DropDecode)
			p.log.Debug("dropping undecodable frame", "err", err)
			return
		}
	}
	p.pcm = seg.Format

	filter := p.silenceFilter()
	size := p.pcm.FrameSize(frameDuration)
	if filter == nil || size <= 0 {
		if format.Encoding != audio.Opus {
			seg.Data = slices.Clone(seg.Data)
		}
		p.bufferLocked(seg.Data)
		return
	}

	// the filter works on fixed windows; keep the tail for the next frame
	p.carry = append(p.carry, seg.Data...)
	n := 0
	for ; len(p.carry)-n >= size; n += size {
		chunk := make([]byte, size)
		copy(chunk, p.carry[n:n+size])
		filter.GiveSegment(chunk)
		switch {
		case filter.NewSpeech():
			p.bufferLocked(filter.SpeechWindow())
		case !filter.ShouldFilter():
			p.bufferLocked(chunk)
		}
	}
	p.carry = append(p.carry[:0], p.carry[n:]...)
}

func (p *Participant) decode(seg audio.Segment) (audio.Segment, error) {
	if p.decoder == nil {
		dec, err := audio.NewOpusDecoder(seg.Format.SampleRate, seg.Format.Channels)
		if err != nil {
			return audio.Segment{}, err
		}
		p.decoder = dec
	}
	return p.decoder.Decode(seg)
}

// silenceFilter lazily builds the filter once the PCM format is known. A
// filter that cannot be built disables filtering for this participant.
func (p *Participant) silenceFilter() *vad.SilenceFilter {
	sc := p.t.cfg.Silence
	if sc == nil || sc.Engine == nil || p.noFilter {
		return nil
	}
	if p.filter != nil {
		return p.filter
	}
	f, err := vad.NewSilenceFilter(sc.Engine, vad.FilterConfig{
		Format:            p.pcm,
		FrameSizeMs:       vad.DefaultFrameSizeMs,
		Mode:              sc.Mode,
		WindowSize:        sc.WindowSize,
		MajorityThreshold: sc.MajorityThreshold,
	})
	if err != nil {
		p.log.Warn("silence filter unavailable, forwarding all audio", "err", err)
		p.noFilter = true
		return nil
	}
	p.filter = f
	return f
}

// bufferLocked collects PCM and enqueues a request once the buffer cannot
// take another frame of the same length. Called with amu held.
func (p *Participant) bufferLocked(data []byte) {
	if len(data) == 0 {
		return
	}
	if p.t.cfg.DisableBuffering {
		p.enqueueLocked(data)
		return
	}
	seg := audio.Segment{SSRC: p.ssrc, Data: data, Format: p.pcm}
	if p.buf.ExceedsBufferSize(seg) {
		p.flushLocked()
		p.enqueueLocked(data)
		return
	}
	if !p.buf.DoesFit(seg) {
		p.flushLocked()
	}
	if err := p.buf.Put(seg); err != nil {
		// cannot happen after the flush above
		p.log.Warn("buffer rejected segment", "err", err)
		return
	}
	if p.buf.Remaining() < seg.Duration() {
		p.flushLocked()
	}
}

func (p *Participant) flushLocked() {
	seg, err := p.buf.Flush()
	if errors.Is(err, audio.ErrBufferEmpty) {
		return
	}
	p.enqueueLocked(seg.Data)
}

// enqueueLocked hands audio to the offload goroutine without blocking.
func (p *Participant) enqueueLocked(data []byte) {
	p.smu.Lock()
	sess := p.session
	locale := p.sourceLang
	p.smu.Unlock()

	ctx := p.t.ctx
	t := task{
		req:  stt.Request{Audio: data, Format: p.pcm, Locale: locale},
		sess: sess,
	}
	p.qmu.RLock()
	defer p.qmu.RUnlock()
	if p.closed {
		p.t.metrics.RecordRequestDropped(ctx, observe.DropNotTranscribing)
		return
	}
	select {
	case p.queue <- t:
	default:
		p.t.metrics.RecordRequestDropped(ctx, observe.DropQueueFull)
		p.log.Warn("offload queue full, dropping audio", "bytes", len(data))
	}
}

// offload sends queued tasks one at a time until the queue is closed.
func (p *Participant) offload() {
	defer close(p.done)
	for t := range p.queue {
		p.run(t)
	}
}

func (p *Participant) run(t task) {
	ctx := p.t.ctx
	svc := p.t.svc
	switch {
	case t.end:
		if err := t.sess.End(); err != nil {
			p.log.Warn("ending streaming session", "err", err)
		}
	case t.sess != nil:
		if err := t.sess.SendRequest(ctx, t.req); err != nil {
			p.t.metrics.RecordRequestDropped(ctx, observe.DropSendFailed)
			if errors.Is(err, stt.ErrSessionEnded) {
				p.log.Debug("session ended, dropping audio")
				return
			}
			p.log.Warn("sending audio", "provider", svc.Name(), "err", err)
			return
		}
		p.t.metrics.RecordRequestSent(ctx, svc.Name(), "stream")
	case svc.SupportsFragmentTranscription():
		p.sendFragment(ctx, t.req)
	default:
		p.t.metrics.RecordRequestDropped(ctx, observe.DropNoSession)
		p.log.Debug("no live session, dropping audio")
	}
}

func (p *Participant) sendFragment(ctx context.Context, req stt.Request) {
	svc := p.t.svc
	ctx, span := observe.StartSpeakerSpan(ctx, "transcription.fragment", p.t.room, p.ssrc, svc.Name(),
		attribute.Int("bytes", len(req.Audio)))
	start := time.Now()
	err := svc.SendSingleRequest(ctx, req, p.Notify)
	observe.EndSpan(span, err)
	p.t.metrics.STTDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", svc.Name())))
	if err == nil {
		p.t.metrics.RecordRequestSent(ctx, svc.Name(), "fragment")
		return
	}

	var f stt.Failure
	if !errors.As(err, &f) {
		f = stt.Failure{Reason: stt.ReasonUnknown, Err: err}
	}
	p.t.metrics.RecordProviderError(ctx, svc.Name(), f.Reason.String())
	p.log.Warn("fragment transcription failed", "provider", svc.Name(), "err", err)
	p.t.failed(p, f)
}

// Notify stamps the participant's identity onto r and forwards it.
func (p *Participant) Notify(r stt.Result) {
	p.smu.Lock()
	r.Speaker = &stt.Speaker{SSRC: p.ssrc, Name: p.name}
	if r.Language == "" {
		r.Language = p.sourceLang
	}
	p.smu.Unlock()
	p.t.metrics.RecordResult(p.t.ctx, p.t.svc.Name(), r.Interim)
	p.t.notify(r)
}

// close stops the offload goroutine after the queued tasks ran, or when ctx
// expires.
func (p *Participant) close(ctx context.Context) error {
	p.qmu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.qmu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Participant) isClosed() bool {
	p.qmu.RLock()
	defer p.qmu.RUnlock()
	return p.closed
}

// sessionListener relays the callbacks of one streaming session. Failures
// of a session that was already replaced are ignored.
type sessionListener struct {
	p    *Participant
	sess stt.StreamingSession
}

var _ stt.Listener = (*sessionListener)(nil)

func (l *sessionListener) Notify(r stt.Result) { l.p.Notify(r) }

func (l *sessionListener) Completed() {
	l.p.log.Debug("streaming session completed")
}

func (l *sessionListener) Failed(f stt.Failure) {
	p := l.p
	p.smu.Lock()
	current := p.session == l.sess
	if current {
		p.session = nil
	}
	p.smu.Unlock()
	if !current {
		return
	}
	p.t.metrics.RecordSessionFailure(p.t.ctx, f.Reason.String())
	p.log.Error("streaming session failed", "reason", f.Reason, "err", f.Err)
	p.t.failed(p, f)
}
