package internal

import (
	"context"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"sharescreen/pkg/bitrate"
	"sharescreen/pkg/credentials"
	"sharescreen/pkg/crypto"
	"sharescreen/pkg/log"
	"sharescreen/pkg/media"
	"sharescreen/pkg/peer"
	"sharescreen/pkg/session"
	"sharescreen/pkg/signal"
)

type App struct {
	encryptionMode bool
	token          string
	tokenFile      string
	relayURL       string
	clientID       string
	stunServers    []string
	source         string
	audio          string
	logLevel       string

	startBitrate int
	maxBitrate   int
	minBitrate   int
	maxFramerate int

	retries          uint64
	retryInterval    time.Duration
	retryMaxInterval time.Duration

	credentials *credentials.LocalSaver
	crypto      *crypto.AesCbc
	relay       *signal.Relay
	media       *media.Manager
	session     *session.Machine
	override    bitrate.Policy
	initial     *media.Request
}

func NewApp() *App {
	return &App{}
}

func (a *App) Setup() (err error) {
	a.parseCmdline()

	if err := log.SetupLogger(a.logLevel); err != nil {
		return err
	}

	if len(a.tokenFile) != 0 {
		if err := a.setupCredentials(); err != nil {
			return err
		}
	}

	if a.encryptionMode {
		if a.credentials == nil {
			return errors.New("encryption mode requires --tokenfile")
		}

		return nil
	}

	return a.setupSharingMode()
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	if a.encryptionMode {
		return a.runEncryptionMode()
	}

	return a.runSharingMode(ctx, cancel)
}

func (a *App) parseCmdline() {
	// Options of the token encryption mode.
	pflag.BoolVarP(&a.encryptionMode, "encrypt", "e", false, "Run in the encryption mode to save the relay token (--token) encrypted into --tokenfile for further sharing sessions")
	pflag.StringVarP(&a.token, "token", "t", "", "Relay access token, sent as a bearer token when connecting to the relay")

	// Signaling options.
	pflag.StringVarP(&a.relayURL, "relay", "r", "ws://localhost:8080/ws", "Websocket URL of the signaling relay")
	pflag.StringVarP(&a.clientID, "id", "i", "", "Client ID announced to the relay (random UUID when empty)")
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302"}, "List of used STUN servers")
	pflag.Uint64Var(&a.retries, "retries", 8, "Reconnect attempts before the relay is considered unavailable")
	pflag.DurationVar(&a.retryInterval, "retry-interval", 500*time.Millisecond, "Initial delay between relay reconnect attempts")
	pflag.DurationVar(&a.retryMaxInterval, "retry-max-interval", 10*time.Second, "Maximum delay between relay reconnect attempts")

	// Media options.
	pflag.StringVarP(&a.source, "source", "s", "front", "Source shared on startup: front, back, screen or none to wait for a command")
	pflag.StringVarP(&a.audio, "audio", "A", "auto", "Audio source: auto (microphone for cameras, playback for screen), none, mic or playback")
	pflag.IntVar(&a.startBitrate, "start-bitrate", 0, "Start bitrate in bps (0 keeps the per-source default)")
	pflag.IntVar(&a.maxBitrate, "max-bitrate", 0, "Maximum bitrate in bps (0 keeps the per-source default)")
	pflag.IntVar(&a.minBitrate, "min-bitrate", 0, "Minimum bitrate in bps (0 keeps the per-source default)")
	pflag.IntVar(&a.maxFramerate, "max-framerate", 0, "Maximum video framerate (0 keeps the per-source default)")

	// Common options.
	pflag.StringVarP(&a.tokenFile, "tokenfile", "f", "", "Path to a file where the encrypted relay token is saved to or taken from (see: --encrypt)")
	pflag.StringVarP(&a.logLevel, "log-level", "l", "info", "Log level: debug, info, warn or error")

	pflag.Parse()
}

func (a *App) setupCredentials() (err error) {
	a.crypto, err = crypto.NewAesCbc(crypto.AesCbcConfig{
		// NOTE: The preset key should be replaced with your own one.
		Key: []byte("AES-128-key-1234"),
	})
	if err != nil {
		return errors.Wrap(err, "credentials crypto")
	}

	a.credentials = credentials.NewLocalSaver(credentials.LocalSaverConfig{
		TokenFile: a.tokenFile,
	}, a.crypto)

	return nil
}

func (a *App) setupSharingMode() (err error) {
	if len(a.clientID) == 0 {
		a.clientID = uuid.New().String()
	}

	token := a.token

	if a.credentials != nil {
		token, err = a.credentials.Token()
		if err != nil {
			return errors.Wrap(err, "credentials")
		}
	}

	if err := a.setupPolicy(); err != nil {
		return err
	}

	audio, err := media.ParseAudioSource(a.audio)
	if err != nil {
		return errors.Wrap(err, "audio")
	}

	if a.source != "none" {
		kind, err := media.ParseKind(a.source)
		if err != nil {
			return errors.Wrap(err, "source")
		}

		a.initial = &media.Request{Kind: kind}
		if kind == media.ScreenCapture {
			// Asking for the screen on the command line is the authorization.
			a.initial.Token = media.NewCaptureToken(time.Now())
		}
	}

	a.relay = signal.NewRelay(signal.RelayConfig{
		URL:             a.relayURL,
		ClientID:        a.clientID,
		Token:           token,
		InitialInterval: a.retryInterval,
		MaxInterval:     a.retryMaxInterval,
		MaxRetries:      a.retries,
	})

	a.media = media.NewManager(media.ManagerConfig{
		Audio: audio,
	}, &media.Synthetic{})

	a.session = session.New(session.Config{
		Policy:        a.policy,
		OnStateChange: a.onStateChange,
	}, a.relay, a.media, a.newEngine)

	return nil
}

func (a *App) setupPolicy() error {
	a.override = bitrate.Policy{
		StartBitrateBps: a.startBitrate,
		MaxBitrateBps:   a.maxBitrate,
		MinBitrateBps:   a.minBitrate,
		MaxFramerate:    a.maxFramerate,
	}

	for _, kind := range []media.Kind{media.FrontCamera, media.ScreenCapture} {
		if err := a.policy(kind).Validate(); err != nil {
			return errors.Wrapf(err, "%s bitrate policy", kind)
		}
	}

	return nil
}

func (a *App) policy(kind media.Kind) bitrate.Policy {
	return bitrate.DefaultPolicy(kind).Merge(a.override)
}

func (a *App) newEngine() (session.Engine, error) {
	p, err := peer.NewWebRTC(peer.WebRTCConfig{
		STUN: a.stunServers,
	})
	if err != nil {
		return nil, errors.Wrap(err, "peer connection")
	}

	return p, nil
}

func (a *App) onStateChange(state session.State, reason error) {
	if state == session.Failed {
		log.Errorf("Sharing failed: %v (type \"stop\" to reset)", reason)
	}
}

func (a *App) runEncryptionMode() error {
	err := a.credentials.SaveToken(a.token)

	return errors.Wrap(err, "credentials")
}

func (a *App) runSharingMode(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting Sharescreen, Client ID: %s, Relay: %s", a.clientID, a.relayURL)
	defer log.Info("Ending Sharescreen")

	a.listenOS(cancel)

	if err := a.relay.Connect(ctx); err != nil {
		return errors.Wrap(err, "signaling")
	}
	defer a.relay.Disconnect()

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()

		a.session.Run(ctx)
	}()

	if a.initial != nil {
		if err := a.session.Start(ctx, *a.initial); err != nil {
			log.Errorf("Start %s: %v", a.initial.Kind, err)
		}
	}

	// The command loop blocks on stdin and is left behind on exit.
	go newCommands(a.session, cancel).serve(ctx, os.Stdin)

	<-ctx.Done()

	return nil
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
