// Command notify is the operator tool for the engine: it publishes a
// notification request on the broker channel the engine consumes, and
// hashes control-surface API keys for control.api_key_hash.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"golang.org/x/crypto/bcrypt"

	"github.com/sociofly/notification-engine/internal/config"
	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/pkg/logger"
	"github.com/sociofly/notification-engine/pkg/messaging"
	"github.com/sociofly/notification-engine/pkg/messaging/redis"
	"github.com/sociofly/notification-engine/pkg/security"
	"github.com/sociofly/notification-engine/pkg/validator"
)

// Send publishes one notification request to the engine's broker channel.
type Send struct {
	Type      string `short:"t" long:"type" default:"user" choice:"user" choice:"team" choice:"system" description:"Recipient selection"`
	Users     string `short:"u" long:"users" description:"Comma separated recipient ids for type=user"`
	Team      string `long:"team" description:"Team id for type=team"`
	Kind      string `short:"k" long:"kind" default:"SYSTEM_ALERT" description:"Notification kind"`
	Title     string `long:"title" description:"Title"`
	Message   string `short:"m" long:"message" description:"Message body"`
	Link      string `long:"link" description:"Optional link"`
	NoPersist bool   `long:"no-persist" description:"Drop instead of persisting when the recipient is offline"`
}

func (x *Send) request() (model.NotifyRequest, error) {
	persist := !x.NoPersist
	req := model.NotifyRequest{
		Type:             model.TargetType(x.Type),
		TeamID:           x.Team,
		PersistIfOffline: &persist,
		Notification: model.NotificationPayload{
			Kind:    model.Kind(x.Kind),
			Title:   x.Title,
			Message: x.Message,
			Data:    model.Data{Link: x.Link},
		},
	}
	for _, id := range strings.Split(x.Users, ",") {
		if id = strings.TrimSpace(id); id != "" {
			req.UserIDs = append(req.UserIDs, id)
		}
	}

	if err := validator.New().Validate(req); err != nil {
		return model.NotifyRequest{}, err
	}
	if err := req.Validate(); err != nil {
		return model.NotifyRequest{}, err
	}
	return req, nil
}

// Execute validates the request and publishes it.
func (x *Send) Execute(args []string) error {
	req, err := x.request()
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url is not configured")
	}

	log := logger.NewLogger(&logger.Config{Level: logger.WarnLevel, Output: os.Stderr})
	broker, err := redis.NewRedisBroker(redis.Config{URL: cfg.Redis.URL, MaxRetries: cfg.Redis.MaxRetries}, log)
	if err != nil {
		return err
	}
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := publish(ctx, broker, cfg.Redis.Channel, req); err != nil {
		return err
	}
	fmt.Printf("published %s notification to %s\n", req.Type, cfg.Redis.Channel)
	return nil
}

func publish(ctx context.Context, pub messaging.Publisher, channel string, req model.NotifyRequest) error {
	if channel == "" {
		return fmt.Errorf("redis.channel is not configured")
	}
	if err := pub.Publish(ctx, channel, req); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// HashKey prints the bcrypt hash of a control API key.
type HashKey struct {
	Args struct {
		Key string `positional-arg-name:"key"`
	} `positional-args:"yes" required:"yes"`
}

func (x *HashKey) Execute(args []string) error {
	hash, err := security.NewBcryptHasher(bcrypt.DefaultCost).Hash(x.Args.Key)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func main() {
	parser := flags.NewParser(nil, flags.Default)

	if _, err := parser.AddCommand("send",
		"publish a notification",
		"The send command validates a notification request and publishes it on the configured redis channel.",
		&Send{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := parser.AddCommand("hash-key",
		"hash a control API key",
		"The hash-key command prints the bcrypt hash to put in control.api_key_hash.",
		&HashKey{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
