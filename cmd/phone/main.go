package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Phone/internal/adapters/rtc"
	"github.com/dkeye/Phone/internal/adapters/ws"
	"github.com/dkeye/Phone/internal/app/orch"
	"github.com/dkeye/Phone/internal/app/registration"
	"github.com/dkeye/Phone/internal/backoff"
	"github.com/dkeye/Phone/internal/config"
	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/eventbus"
	"github.com/dkeye/Phone/internal/metrics"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("bad config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	identity := domain.Identity(cfg.Identity)

	bus := eventbus.New()
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	defer m.Subscribe(bus)()
	defer logEvents(bus)()

	policy := backoff.New(cfg.Backoff.BaseDelay, cfg.Backoff.MaxAttempts)
	relayCh := ws.NewChannel(ws.Options{
		Name:           "relay",
		URL:            cfg.Transport.URL,
		Credential:     cfg.Credential,
		PingPeriod:     cfg.Transport.PingPeriod,
		ReadLimit:      cfg.Transport.ReadLimit,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		SendBuffer:     cfg.Transport.SendBuffer,
		Backoff:        policy,
	}, bus)

	var source rtc.MediaSource = rtc.SilenceSource{}
	if cfg.Media.Source == "none" {
		source = rtc.UnavailableSource{Err: rtc.ErrMediaNotFound}
	}
	var ice []string
	if len(cfg.Media.ICEServers) > 0 {
		ice = cfg.Media.ICEServers
	}
	factory, err := rtc.Factory(rtc.Config{ICEServers: ice, Loopback: cfg.Media.Loopback}, source)
	if err != nil {
		log.Fatal().Err(err).Msg("media engine")
	}

	phone := orch.New(orch.Options{
		Identity:        identity,
		NoAnswerTimeout: cfg.Call.NoAnswerTimeout,
		SendRetryDelay:  cfg.Call.SendRetryDelay,
	}, relayCh, factory, bus)
	go func() {
		if err := phone.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("phone loop stopped")
		}
	}()

	dispatcher := &orch.Dispatcher{Phone: phone}
	relayCh.OnMessage(dispatcher.OnFrame)

	var (
		registrar *registration.Registrar
		regCh     = relayCh
	)
	if cfg.Registrar.Enabled {
		if cfg.Registrar.WSURL != "" {
			regCh = ws.NewChannel(ws.Options{
				Name:           "registrar",
				URL:            cfg.Registrar.WSURL,
				Credential:     cfg.Credential,
				Subprotocols:   []string{"sip"},
				PingPeriod:     cfg.Transport.PingPeriod,
				ReadLimit:      cfg.Transport.ReadLimit,
				ConnectTimeout: cfg.Transport.ConnectTimeout,
				SendBuffer:     cfg.Transport.SendBuffer,
				Backoff:        policy,
			}, bus)
		}
		registrar = registration.New(registration.Options{
			Identity:    identity,
			Credential:  cfg.Credential,
			Host:        cfg.Registrar.Host,
			Port:        cfg.Registrar.Port,
			ContactHost: cfg.Registrar.ContactHost,
			Expires:     cfg.Registrar.Expires,
			Timeout:     cfg.Registrar.Timeout,
			UserAgent:   "phone/1",
			Backoff:     policy,
		}, regCh, bus)
		if regCh == relayCh {
			dispatcher.Registrar = registrar
		} else {
			regCh.OnMessage(registrar.HandleFrame)
		}
	}

	if err := relayCh.Connect(ctx, identity); err != nil {
		log.Warn().Err(err).Msg("relay not reachable yet, retrying in background")
	}
	if registrar != nil {
		if regCh != relayCh {
			if err := regCh.Connect(ctx, identity); err != nil {
				log.Warn().Err(err).Msg("registrar not reachable yet, retrying in background")
			}
		}
		if err := registrar.Register(ctx); err != nil {
			log.Error().Err(err).Msg("register")
		}
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		r.GET("/metrics", gin.WrapH(m.Handler()))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: r}
		go func() {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	go repl(ctx, cancel, phone, registrar)

	log.Info().Str("identity", string(identity)).Msg("phone started")
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if registrar != nil {
		if err := registrar.Unregister(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("unregister")
		}
	}
	if regCh != relayCh {
		regCh.Close()
	}
	relayCh.Close()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info().Msg("Phone exited")
}

func logEvents(bus *eventbus.Bus) func() {
	l := log.With().Str("module", "events").Logger()
	offs := []func(){
		bus.Subscribe(eventbus.TopicTransportStatus, func(p any) {
			if ev, ok := p.(eventbus.TransportStatus); ok {
				l.Info().Str("channel", ev.Channel).Str("status", string(ev.Status)).Int("attempt", ev.Attempt).Str("cause", string(ev.Cause)).Msg("transport")
			}
		}),
		bus.Subscribe(eventbus.TopicRegistrationStatus, func(p any) {
			if ev, ok := p.(eventbus.RegistrationStatus); ok {
				l.Info().Str("status", string(ev.Status)).Str("cause", string(ev.Cause)).Msg("registration")
			}
		}),
		bus.Subscribe(eventbus.TopicCallState, func(p any) {
			if ev, ok := p.(eventbus.CallState); ok {
				e := l.Info().Str("sid", string(ev.SessionID)).Str("peer", string(ev.Peer)).Str("direction", string(ev.Direction)).Str("state", string(ev.State))
				if ev.Cause != "" {
					e = e.Str("cause", string(ev.Cause))
				}
				if ev.Detail != "" {
					e = e.Str("detail", ev.Detail)
				}
				e.Msg("call")
			}
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

const usage = "commands: call <ext> | accept [id] | reject [id] | hangup [id] | register | unregister | status | quit"

// repl reads commands from stdin. accept, reject and hangup default to the current call.
func repl(ctx context.Context, quit context.CancelFunc, phone *orch.Phone, registrar *registration.Registrar) {
	fmt.Println(usage)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := run(cmdCtx, phone, registrar, fields)
		cancel()
		if errors.Is(err, errQuit) {
			quit()
			return
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	}
}

var errQuit = errors.New("quit")

func run(ctx context.Context, phone *orch.Phone, registrar *registration.Registrar, fields []string) error {
	switch fields[0] {
	case "call":
		if len(fields) != 2 {
			return fmt.Errorf("usage: call <ext>")
		}
		sid, err := phone.Call(ctx, domain.Identity(fields[1]))
		if err != nil {
			return err
		}
		fmt.Println("calling, session", sid)
	case "accept", "reject", "hangup":
		var sid domain.SessionID
		if len(fields) > 1 {
			sid = domain.SessionID(fields[1])
		} else {
			snap, live, err := phone.Current(ctx)
			if err != nil {
				return err
			}
			if !live {
				return fmt.Errorf("no call")
			}
			sid = snap.SessionID
		}
		switch fields[0] {
		case "accept":
			return phone.Accept(ctx, sid)
		case "reject":
			return phone.Reject(ctx, sid)
		default:
			return phone.Hangup(ctx, sid)
		}
	case "register", "unregister":
		if registrar == nil {
			return fmt.Errorf("registrar disabled")
		}
		if fields[0] == "register" {
			return registrar.Register(ctx)
		}
		return registrar.Unregister(ctx)
	case "status":
		snap, live, err := phone.Current(ctx)
		if err != nil {
			return err
		}
		if live {
			fmt.Printf("call %s %s %s %s\n", snap.SessionID, snap.Direction, snap.Peer, snap.State)
		} else {
			fmt.Println("idle")
		}
		if registrar != nil {
			rec := registrar.Record()
			fmt.Printf("registration %s %s\n", rec.Status, rec.Cause)
		}
	case "quit", "exit":
		return errQuit
	default:
		fmt.Println(usage)
	}
	return nil
}
