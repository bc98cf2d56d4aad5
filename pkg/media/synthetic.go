package media

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"

	"sharescreen/pkg/log"
)

const (
	audioFrameDuration = 20 * time.Millisecond
	syntheticFrameSize = 1200
)

// opusSilence is a single Opus frame carrying silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var (
	errNoCamera      = errors.New("no camera with the requested facing")
	errNotAuthorized = errors.New("screen capture not authorized")
)

// Synthetic is a Device that produces placeholder samples at the requested
// rate. It stands in for platform capture on hosts without camera or display
// capture support and keeps the outbound tracks flowing.
type Synthetic struct {
	// Cameras lists the camera facings present. Nil means both.
	Cameras []Kind
}

func (s *Synthetic) hasCamera(kind Kind) bool {
	if s.Cameras == nil {
		return true
	}

	for _, k := range s.Cameras {
		if k == kind {
			return true
		}
	}

	return false
}

func (s *Synthetic) Open(ctx context.Context, spec CaptureSpec) (Capture, error) {
	if spec.Kind.IsCamera() && !s.hasCamera(spec.Kind) {
		return nil, errNoCamera
	}

	if spec.Kind == ScreenCapture && spec.Grant == nil {
		return nil, errNotAuthorized
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &syntheticCapture{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go c.run(spec)

	return c, nil
}

type syntheticCapture struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (c *syntheticCapture) Stop() error {
	c.once.Do(func() { close(c.stop) })
	<-c.done

	return nil
}

func (c *syntheticCapture) run(spec CaptureSpec) {
	defer close(c.done)

	frameDuration := time.Second / time.Duration(spec.Framerate)

	video := time.NewTicker(frameDuration)
	defer video.Stop()

	var audio <-chan time.Time
	if spec.AudioSink != nil {
		t := time.NewTicker(audioFrameDuration)
		defer t.Stop()

		audio = t.C
	}

	frame := make([]byte, syntheticFrameSize)
	var seq uint32

	for {
		select {
		case <-video.C:
			seq++
			binary.BigEndian.PutUint32(frame, seq)

			if err := spec.Video.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
				log.Debugf("synthetic %s video: %v", spec.Kind, err)
			}

		case <-audio:
			if err := spec.AudioSink.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrameDuration}); err != nil {
				log.Debugf("synthetic %s audio: %v", spec.Kind, err)
			}

		case <-c.stop:
			return
		}
	}
}
