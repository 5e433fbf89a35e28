package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-core/internal/config"
	"github.com/jrsteele09/go-session-core/session"
	"github.com/jrsteele09/go-session-core/session/refreshtoken"
	"github.com/jrsteele09/go-session-core/signingkeys"
	"github.com/jrsteele09/go-session-core/storage/memorystore"
	"github.com/jrsteele09/go-session-core/tenants"
	"github.com/jrsteele09/go-session-core/tenants/repofakes"
)

// sessiond brings up the session engine on the in-memory store and holds it
// until stopped. Deployments embedding a SQL store wire their own binary in
// the same shape.
func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running sessiond: %s\n", err)
	}
	log.Printf("sessiond stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	displayAppname(cfg.GetAppName())

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	store := memorystore.New()
	keys := signingkeys.NewManager(store, cfg, logger)
	refresh := refreshtoken.NewManager(store, cfg)
	registry := tenantrepofakes.NewFakeTenantRepo()
	manager, err := session.NewManager(store, keys, refresh, cfg, logger,
		session.WithTenantRegistry(registry))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	keyInfo, err := manager.GetSigningKeyInfo(ctx, tenants.DefaultTenant)
	if err != nil {
		return err
	}
	logger.Info().
		Int("verificationKeys", len(keyInfo.PublicKeys)).
		Time("keyExpiry", keyInfo.KeyExpiryTime).
		Dur("accessTokenValidity", keyInfo.AccessTokenValidity).
		Dur("refreshTokenValidity", keyInfo.RefreshTokenValidity).
		Bool("antiCsrf", keyInfo.EnableAntiCSRF).
		Msg("session engine ready")

	waitForStopSignal()
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
