package proc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/xybeat/sys"
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)

	sys.OnClientReady(func(ctx context.Context, client bot.Client) {
		sys.RegisterDaemon(sys.LogVoice, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				if MusicManager != nil {
					sys.LogVoice("Shutting down music manager...")
					MusicManager.Shutdown(context.Background())
				}
			}
		})
	})
}

// ===========================
// Voice Transport
// ===========================

// VoiceTransport owns one guild's voice connection and pushes opus frames
// into it. PlayFile blocks until the file finishes, is skipped, or the
// session is torn down.
type VoiceTransport struct {
	guildID snowflake.ID
	client  *bot.Client

	mu           sync.Mutex
	conn         voice.Conn
	joined       bool
	streamCancel context.CancelFunc
	provider     *StreamProvider

	pausedMu   sync.Mutex
	paused     bool
	pausedCond *sync.Cond
}

func newVoiceTransport(client *bot.Client, guildID snowflake.ID) *VoiceTransport {
	vt := &VoiceTransport{
		guildID: guildID,
		client:  client,
	}
	vt.pausedCond = sync.NewCond(&vt.pausedMu)
	return vt
}

func (vt *VoiceTransport) Join(ctx context.Context, channelID snowflake.ID) error {
	vt.mu.Lock()
	if vt.joined {
		vt.mu.Unlock()
		return nil
	}
	if vt.conn == nil {
		vt.conn = vt.client.VoiceManager.CreateConn(vt.guildID)
	}
	conn := vt.conn
	vt.mu.Unlock()

	sys.LogVoice("Joining channel %s in guild %s", channelID, vt.guildID)
	if err := conn.Open(ctx, channelID, false, false); err != nil {
		conn.Close(ctx)
		return err
	}
	vt.mu.Lock()
	vt.joined = true
	vt.mu.Unlock()
	return nil
}

func (vt *VoiceTransport) Close(ctx context.Context) {
	vt.StopCurrent()
	vt.SetPaused(false)
	vt.mu.Lock()
	conn := vt.conn
	vt.conn = nil
	vt.joined = false
	vt.mu.Unlock()
	if conn != nil {
		vt.setOpusFrameProviderSafe(conn, nil)
		conn.Close(ctx)
	}
}

func (vt *VoiceTransport) SetPaused(paused bool) {
	vt.pausedMu.Lock()
	vt.paused = paused
	vt.pausedCond.Broadcast()
	vt.pausedMu.Unlock()
}

// StopCurrent cancels the active stream, making PlayFile return.
func (vt *VoiceTransport) StopCurrent() {
	vt.mu.Lock()
	cancel := vt.streamCancel
	vt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// PlayFile transcodes path to opus and feeds the voice connection until the
// stream ends or is cancelled.
func (vt *VoiceTransport) PlayFile(ctx context.Context, path string) error {
	vt.mu.Lock()
	if vt.streamCancel != nil {
		vt.streamCancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	vt.streamCancel = cancel
	p := newStreamProvider(vt, streamCtx)
	vt.provider = p
	conn := vt.conn
	vt.mu.Unlock()
	defer cancel()

	done := make(chan struct{})
	p.OnFinish = func() { close(done) }

	errCh := make(chan error, 1)
	go func() {
		defer p.PushFrame(nil)
		t := NewTranscoder()
		defer t.Close()
		if err := t.OpenInput(path); err != nil {
			errCh <- err
			return
		}
		if err := t.SetupDecoder(); err != nil {
			errCh <- err
			return
		}
		if err := t.SetupEncoder(); err != nil {
			errCh <- err
			return
		}
		if err := t.Transcode(streamCtx, p.PushFrame); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if conn != nil {
		vt.setOpusFrameProviderSafe(conn, p)
		conn.SetSpeaking(context.TODO(), voice.SpeakingFlagMicrophone)
	}

	select {
	case <-done:
	case <-streamCtx.Done():
	}

	vt.mu.Lock()
	if vt.provider == p {
		vt.provider = nil
		if conn != nil {
			vt.setOpusFrameProviderSafe(conn, nil)
			conn.SetSpeaking(context.TODO(), 0)
		}
	}
	vt.mu.Unlock()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (vt *VoiceTransport) setOpusFrameProviderSafe(conn voice.Conn, provider voice.OpusFrameProvider) {
	defer func() {
		if r := recover(); r != nil {
			sys.LogVoice("Recovered from panic in SetOpusFrameProvider: %v", r)
		}
	}()
	conn.SetOpusFrameProvider(provider)
}

// ===========================
// Stream Provider
// ===========================

// StreamProvider buffers opus frames between the transcoder and the voice
// connection. While paused it blocks frame delivery; on starvation it yields
// silence so the connection stays alive.
type StreamProvider struct {
	frames   chan []byte
	OnFinish func()
	once     sync.Once
	vt       *VoiceTransport
	ctx      context.Context
}

func newStreamProvider(vt *VoiceTransport, ctx context.Context) *StreamProvider {
	return &StreamProvider{frames: make(chan []byte, 100), vt: vt, ctx: ctx}
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	// Wake the pause gate when the stream is cancelled so we never block on
	// a dead stream.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-p.ctx.Done():
			p.vt.pausedCond.Broadcast()
		case <-done:
		}
	}()

	p.vt.pausedMu.Lock()
	for p.vt.paused {
		select {
		case <-p.ctx.Done():
			p.vt.pausedMu.Unlock()
			return nil, io.EOF
		default:
		}
		p.vt.pausedCond.Wait()
		select {
		case <-p.ctx.Done():
			p.vt.pausedMu.Unlock()
			return nil, io.EOF
		default:
		}
	}
	p.vt.pausedMu.Unlock()

	select {
	case f := <-p.frames:
		if f == nil {
			p.Close()
			return nil, io.EOF
		}
		return f, nil
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(100 * time.Millisecond):
		return nil, nil // Silence
	}
}

// ===========================
// Transcoder
// ===========================

// Transcoder decodes a local audio file and re-encodes it as 48kHz stereo
// opus frames sized for the voice gateway.
type Transcoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	onFrame                func([]byte)
	pts                    int64
}

func NewTranscoder() *Transcoder {
	return &Transcoder{packet: astiav.AllocPacket(), frame: astiav.AllocFrame(), resampleFrame: astiav.AllocFrame()}
}

func (t *Transcoder) OpenInput(path string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}
	if err := t.inputCtx.OpenInput(path, nil, nil); err != nil {
		return err
	}
	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (t *Transcoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *Transcoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(48000)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, 48000))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	// The resampler initializes itself from the first converted frame since
	// the input format is unknown until decoding starts.
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	return nil
}

func (t *Transcoder) Transcode(ctx context.Context, on func([]byte)) error {
	defer t.packet.Unref()
	t.onFrame = on
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), 960*2)
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}
		if t.packet.StreamIndex() != t.audioStreamIndex {
			t.packet.Unref()
			continue
		}
		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			t.packet.Unref()
			return err
		}
		t.packet.Unref()
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			t.resampleFrame.Unref()
			t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
			t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
			t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
			nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
			if nb > 0 {
				t.resampleFrame.SetNbSamples(nb)
				_ = t.resampleFrame.AllocBuffer(0)
				_ = t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame)
				_, _ = t.fifo.Write(t.resampleFrame)
				for t.fifo.Size() >= 960 {
					t.resampleFrame.Unref()
					t.resampleFrame.SetNbSamples(960)
					t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
					t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
					t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
					_ = t.resampleFrame.AllocBuffer(0)
					_, _ = t.fifo.Read(t.resampleFrame)
					t.resampleFrame.SetPts(t.pts)
					t.pts += 960
					_ = t.encodeAndWrite(t.resampleFrame)
				}
			}
			t.frame.Unref()
		}
	}

	// 1. Flush Decoder
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			t.resampleFrame.Unref()
			t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
			t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
			t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
			nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
			if nb > 0 {
				t.resampleFrame.SetNbSamples(nb)
				_ = t.resampleFrame.AllocBuffer(0)
				if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
					_, _ = t.fifo.Write(t.resampleFrame)
				}
			}
			t.frame.Unref()
		}
	}

	// 2. Drain FIFO
	if t.fifo != nil {
		for t.fifo.Size() > 0 {
			t.resampleFrame.Unref()
			sz := 960
			if t.fifo.Size() < sz {
				sz = t.fifo.Size()
			}
			t.resampleFrame.SetNbSamples(sz)
			t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
			t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
			t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
			_ = t.resampleFrame.AllocBuffer(0)
			_, _ = t.fifo.Read(t.resampleFrame)
			t.resampleFrame.SetPts(t.pts)
			t.pts += int64(sz)
			_ = t.encodeAndWrite(t.resampleFrame)
		}
	}

	// 3. Flush Encoder
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			p := astiav.AllocPacket()
			if t.encoderCtx.ReceivePacket(p) != nil {
				p.Free()
				break
			}
			if t.onFrame != nil {
				d := p.Data()
				fd := make([]byte, len(d))
				copy(fd, d)
				t.onFrame(fd)
			}
			p.Free()
		}
	}
	return nil
}

func (t *Transcoder) encodeAndWrite(f *astiav.Frame) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		p := astiav.AllocPacket()
		if t.encoderCtx.ReceivePacket(p) != nil {
			p.Free()
			break
		}
		if t.onFrame != nil {
			d := p.Data()
			fd := make([]byte, len(d))
			copy(fd, d)
			t.onFrame(fd)
		}
		p.Free()
	}
	return nil
}

func (t *Transcoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}
