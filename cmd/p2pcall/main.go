package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"p2pcall/native/internal/call"
	"p2pcall/native/internal/config"
	"p2pcall/native/internal/console"
	"p2pcall/native/internal/devices"
	"p2pcall/native/internal/domain"
	"p2pcall/native/internal/ice"
	"p2pcall/native/internal/media"
	sigclient "p2pcall/native/internal/signal"
	"p2pcall/native/internal/webrtc"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const helpText = `p2pcall - Peer-to-peer audio/video calls over a signaling relay

Usage:
  p2pcall [options]

Two instances connected to the same relay call each other. The alice side
places a call on start; the bob side answers.

Environment Variables:
  P2PCALL_RELAY_URL            WebSocket URL of the signaling relay (required)
  P2PCALL_ICE_BASE_URL         Base URL serving the iceservers list
  P2PCALL_ROLE                 alice or bob (default alice)
  P2PCALL_CALL_KIND            audio or video (default audio)
  P2PCALL_DISABLE_P2P          Relay-only connectivity (default false)
  P2PCALL_AUTO_ACCEPT          Answer inbound calls (default true)
  P2PCALL_CONFIRM_LOCAL_VIDEO  Ask before opening the camera (default false)
  P2PCALL_LOG_LEVEL            debug, info, warn, error (default info)
  P2PCALL_PING_INTERVAL        Relay keepalive interval (default 30s)

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Str("module", "main").Msg("load config")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Step 1: Connect to the relay
	client := sigclient.NewClient(sigclient.ClientConfig{
		URL:          cfg.RelayURL,
		Flags:        domain.Flags{DisableP2P: cfg.DisableP2P},
		IsAlice:      cfg.IsAlice(),
		PingInterval: cfg.PingInterval,
	})
	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Str("module", "main").Msg("relay connect")
	}
	channel := sigclient.NewChannel(client)

	// Step 2: Media capture and connection factory
	var (
		captureOpts []media.Option
		dialOpts    []webrtc.DialerOption
	)
	codecs, err := newCodecSelector()
	if err != nil {
		log.Fatal().Err(err).Str("module", "main").Msg("codec selector")
	}
	if codecs != nil {
		captureOpts = append(captureOpts, media.WithCodecSelector(codecs))
		dialOpts = append(dialOpts, webrtc.WithCodecs(codecs.Populate))
	}

	// Step 3: Devices and the call machine
	inventory := devices.NewInventory(devices.NewMemory())
	machine := call.New(call.Deps{
		Channel:     channel,
		Role:        client,
		ICE:         ice.NewResolver(cfg.ICEBaseURL),
		Capturer:    media.NewCapturer(captureOpts...),
		Devices:     inventory,
		Dialer:      webrtc.NewDialer(dialOpts...),
		Permissions: console.NewPermissions(),
		Memory:      inventory.Memory(),
	}, callConfig(cfg))

	// Step 4: Complete the circular dependency
	inventory.SetSwitcher(machine)

	handlers := console.NewHandlers(cfg.AutoAccept)
	machine.Init(handlers)

	// Step 5: Losing the relay ends the call
	machine.EndWith(ctx, client.Done())

	list := inventory.List(ctx)
	for _, d := range list.Cameras {
		log.Info().Str("module", "main").Str("id", d.ID).Str("label", d.Label).Msg("camera")
	}
	for _, d := range list.Microphones {
		log.Info().Str("module", "main").Str("id", d.ID).Str("label", d.Label).Msg("microphone")
	}

	// Step 6: Alice places the call
	if cfg.IsAlice() {
		go func() {
			if err := machine.Request(ctx, cfg.Kind(), false); err != nil {
				log.Error().Err(err).Str("module", "main").Msg("request call")
			}
		}()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-handlers.Ended():
				log.Info().Str("module", "main").Msg("call ended, waiting for the next one")
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-client.Done():
		log.Error().Str("module", "main").Msg("relay connection lost")
	}
	log.Info().Str("module", "main").Msg("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	machine.Close(closeCtx)
	channel.Close()
	client.Close()

	log.Info().Str("module", "main").Msg("done")
}

func callConfig(cfg *config.Config) call.Config {
	c := call.DefaultConfig()
	c.ConfirmLocalVideo = cfg.ConfirmLocalVideo
	return c
}
