package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mossy-p/meet-signaling/config"
	"github.com/mossy-p/meet-signaling/internal/client"
	"github.com/mossy-p/meet-signaling/internal/logging"
	"github.com/mossy-p/meet-signaling/internal/middleware"
	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/mossy-p/meet-signaling/internal/peer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagTimeout  time.Duration
	flagNoVideo  bool
	flagNoAudio  bool
)

var errQuit = errors.New("quit")

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room and negotiate with every participant",
	Long: `Join a room by id or share code.

Lines typed on stdin are sent as chat. Commands:
  /video on|off   /audio on|off   /screen on|off
  /who            show the roster
  /quit           leave the room

Examples:
  meetpeer join standup --token $TOKEN
  meetpeer join ABCD23 --stun stun:stun.l.google.com:19302 --no-video`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(config.ClientOptions{
			ServerURL:          flagServer,
			Token:              flagToken,
			STUNServer:         flagSTUN,
			TURNServer:         flagTURN,
			TURNUser:           flagTURNUser,
			TURNPass:           flagTURNPass,
			NegotiationTimeout: flagTimeout,
		})
		if err != nil {
			return err
		}
		return joinRoom(cmd.Context(), cfg, args[0])
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "", "STUN server URL")
	joinCmd.Flags().StringVar(&flagTURN, "turn", "", "TURN server URL")
	joinCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().DurationVar(&flagTimeout, "negotiation-timeout", 0, "bound on each offer/answer exchange")
	joinCmd.Flags().BoolVar(&flagNoVideo, "no-video", false, "join with video off")
	joinCmd.Flags().BoolVar(&flagNoAudio, "no-audio", false, "join with audio off")
}

// tokenIdentity reads the identity claims of a token. The server verifies
// the signature; the client only needs to know who it is.
func tokenIdentity(token string) (*middleware.JWTClaims, error) {
	if token == "" {
		return nil, errors.New("a token is required, run `meetpeer token` first")
	}
	claims := &middleware.JWTClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.UserID == "" {
		return nil, errors.New("token carries no user_id")
	}
	return claims, nil
}

func joinRoom(parent context.Context, cfg *config.ClientConfig, room string) error {
	ident, err := tokenIdentity(cfg.Token)
	if err != nil {
		return err
	}

	log := logging.New(os.Stderr, flagLogLevel, true)
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := client.Dial(ctx, cfg.ServerURL, cfg.Token, log)
	if err != nil {
		return err
	}

	tracks, err := peer.NewLocalTracks(ident.UserID)
	if err != nil {
		sc.Close()
		return err
	}

	orch := peer.New(peer.Options{
		Factory: peer.NewPionFactory(peer.ICEConfig{
			STUNServers: cfg.GetSTUNServers(),
			TURNServers: cfg.GetTURNServers(),
			TURNUser:    cfg.TURNUser,
			TURNPass:    cfg.TURNPass,
		}, tracks),
		Signaler:           sc,
		LocalMedia:         tracks,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Logger:             log,
	})

	view := newRoomView(ident.UserID)
	printBanner(room, ident.UserID, cfg.ServerURL)

	media := models.MediaState{Video: !flagNoVideo, Audio: !flagNoAudio}
	if err := orch.Join(ctx, models.Join{
		RoomID:      room,
		UserID:      ident.UserID,
		DisplayName: ident.DisplayName,
		MediaState:  &media,
	}); err != nil {
		orch.Close()
		sc.Close()
		return err
	}

	lines := readLines(os.Stdin)

	g, gctx := errgroup.WithContext(ctx)

	// Relay messages drive the orchestrator
	g.Go(func() error {
		for msg := range sc.Incoming() {
			orch.Handle(msg)
		}
		return sc.Err()
	})

	g.Go(func() error {
		for ev := range orch.Events() {
			view.apply(ev)
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := runInput(gctx, orch, view, line); err != nil {
					return err
				}
			}
		}
	})

	// Single teardown path for /quit, signals and transport loss
	g.Go(func() error {
		<-gctx.Done()
		leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = sc.Send(leaveCtx, models.Leave{})
		cancel()

		orch.Close()
		sc.Close()
		return nil
	})

	err = g.Wait()
	switch {
	case errors.Is(err, errQuit), ctx.Err() != nil:
		printInfo("Left the room")
		return nil
	case errors.Is(err, client.ErrTransportClosed):
		return fmt.Errorf("disconnected from signaling server: %w", err)
	}
	return err
}

func readLines(f *os.File) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func runInput(ctx context.Context, orch *peer.Orchestrator, view *roomView, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if err := orch.SendChat(ctx, line); err != nil {
			printError(err.Error())
		}
		return nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return errQuit
	case "/who":
		view.printRoster()
		return nil
	case "/video", "/audio", "/screen":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			printError(fmt.Sprintf("usage: %s on|off", fields[0]))
			return nil
		}
		mediaType := map[string]models.MediaType{
			"/video":  models.MediaTypeVideo,
			"/audio":  models.MediaTypeAudio,
			"/screen": models.MediaTypeScreenShare,
		}[fields[0]]
		if err := orch.SetMedia(ctx, mediaType, fields[1] == "on"); err != nil {
			printError(err.Error())
		}
		return nil
	}
	printError("unknown command " + fields[0])
	return nil
}
