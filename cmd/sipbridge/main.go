package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gophertribe/sipbridge/gateway"
	"github.com/gophertribe/sipbridge/trunk"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/viper"
)

const defaultConfigPath string = "/etc/sipbridge"

const (
	configLogLevel    = "log.level"
	configAddr        = "addr"
	configSIPDomain   = "sip.domain"
	configSIPServer   = "sip.server"
	configSIPListen   = "sip.listen"
	configSIPNetwork  = "sip.transport"
	configRingTimeout = "call.ring_timeout"
)

type App struct {
	hs   *http.Server
	wg   sync.WaitGroup
	peer *trunk.Peer
	gw   *gateway.Gateway
}

func NewApp() *App {
	return &App{}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	app := NewApp()
	now := time.Now()

	var configDir string
	flag.StringVar(&configDir, "config", defaultConfigPath, "configuration dir path")
	flag.Parse()

	// app sets up components and runtime context
	ctx, err := app.setup(ctx, configDir)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Printf("error during setup: %s\n", err.Error())
		cancel()
		os.Exit(1)
	}
	slog.Info("setup completed", "uptime", time.Since(now))

	err = app.run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Printf("error during runtime: %s\n", err.Error())
	}
	slog.Info("runtime exit", "uptime", time.Since(now))

	cancel()
	err = app.shutdown(context.WithTimeout(context.Background(), 10*time.Second))
	if err != nil {
		fmt.Printf("error during shutdown: %s\n", err.Error())
		os.Exit(1)
	}
	slog.Info("shutdown completed", "uptime", time.Since(now))
}

func (app *App) setup(ctx context.Context, configDir string) (context.Context, error) {

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)

	viper.SetDefault(configLogLevel, int(log.InfoLevel))
	viper.SetDefault(configAddr, ":8084")
	viper.SetDefault(configSIPDomain, "127.0.0.1")
	viper.SetDefault(configSIPServer, "127.0.0.1:5060")
	viper.SetDefault(configSIPListen, "127.0.0.1:5071")
	viper.SetDefault(configSIPNetwork, "udp")
	viper.SetDefault(configRingTimeout, 120*time.Second)

	err := viper.ReadInConfig()
	if err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return ctx, fmt.Errorf("error in config file: %w", err)
		}
	}

	logger := log.New(os.Stdout)
	logger.SetLevel(log.Level(viper.GetInt(configLogLevel)))
	slog.SetDefault(slog.New(logger))

	app.peer, err = trunk.NewPeer("SIPBridge")
	if err != nil {
		return ctx, fmt.Errorf("could not initialize sip peer: %w", err)
	}
	err = app.peer.Listen(ctx, viper.GetString(configSIPNetwork), viper.GetString(configSIPListen), &app.wg)
	if err != nil {
		return ctx, fmt.Errorf("could not start sip listener: %w", err)
	}

	app.gw = gateway.New(gateway.Config{
		Domain:      viper.GetString(configSIPDomain),
		PeerAddr:    viper.GetString(configSIPServer),
		Transport:   viper.GetString(configSIPNetwork),
		RingTimeout: viper.GetDuration(configRingTimeout),
	}, app.peer)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Mount("/", app.gw.Handler())

	app.hs = &http.Server{
		Addr: viper.GetString(configAddr),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
		Handler:        r,
		ReadTimeout:    360 * time.Second,
		WriteTimeout:   360 * time.Second,
		MaxHeaderBytes: 1 << 20,
		ErrorLog:       logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}),
	}

	return ctx, ctx.Err()

}

func (app *App) run(ctx context.Context) error {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		slog.Info("starting gateway event router")
		err := app.gw.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("gateway router error", "err", err)
		}
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		slog.Info("starting control api server", "addr", app.hs.Addr)
		err := app.hs.ListenAndServe()
		if err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("api server error", "err", err)
			}
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (app *App) shutdown(ctx context.Context, cancel context.CancelFunc) error {
	go func() {
		if app.hs != nil {
			err := app.hs.Close()
			if err != nil {
				slog.Warn("could not close api server", "err", err)
			}
		}
		if app.peer != nil {
			err := app.peer.Close()
			if err != nil {
				slog.Warn("could not close sip peer", "err", err)
			}
		}
		app.wg.Wait()
		cancel()
	}()

	// this context will cancel either when the shutdown procedure is over or when the timeout expires
	<-ctx.Done()
	// canceled context is fine here
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
