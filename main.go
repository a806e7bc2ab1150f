package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IchuRisco/mitopia-backend/api"
	"github.com/IchuRisco/mitopia-backend/config"
	"github.com/IchuRisco/mitopia-backend/meeting"
	"github.com/IchuRisco/mitopia-backend/pkg/msgbroker"
	"github.com/IchuRisco/mitopia-backend/registry"
	"github.com/IchuRisco/mitopia-backend/signaling"
	"github.com/IchuRisco/mitopia-backend/storage"
	"github.com/go-redis/redis/v7"
	"github.com/labstack/gommon/log"
)

func main() {
	// APP configuration
	c := config.Get()
	log.SetLevel(c.Level())

	// Redis client
	rdb := redis.NewClient(&redis.Options{
		Addr:         c.RedisAddr,
		Password:     c.RedisPassword,
		DB:           c.RedisDB,
		DialTimeout:  c.StoreTimeout,
		ReadTimeout:  c.StoreTimeout,
		WriteTimeout: c.StoreTimeout,
		MaxRetries:   -1,
	})
	err := rdb.Ping().Err()
	if err != nil {
		log.Fatal(err)
	}

	// Room store
	s := storage.New(rdb, c.RoomTTL)
	// Meeting events for downstream services
	mb := msgbroker.NewRedisBroker(rdb)
	events := msgbroker.NewAsyncPublisher(mb, c.MaxWorkers)

	router := signaling.NewRouter(
		s,
		meeting.NewHTTPVerifier(c.MeetingServiceURL, c.MeetingServiceToken, c.VerifyTimeout),
		registry.New(),
		events,
		signaling.Options{
			MaxParticipants:        c.MaxParticipants,
			StrictSingleRoom:       c.StrictSingleRoom,
			RelayRequireMembership: c.RelayRequireMembership,
			StoreTimeout:           c.StoreTimeout,
			StoreRetryDelay:        c.StoreRetryDelay,
			VerifyTimeout:          c.VerifyTimeout,
		},
	)

	// API
	a := api.New(c, s, router)

	go func() {
		// Starting API
		if err := a.Start(); err != nil {
			log.Warn(err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	// waiting for signals
	quit := <-signals
	log.Infof("signal %s received, stopping server...", quit)
	// Stopping server
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*15)
	if err = a.Close(ctx); err != nil {
		log.Error(err)
	}
	cancel()

	// connections are drained, nothing publishes anymore
	events.Close()
	if err = rdb.Close(); err != nil {
		log.Error(err)
	}
}
