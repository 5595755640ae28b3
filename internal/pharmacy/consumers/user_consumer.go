// Package consumers keeps local read models in sync with other services'
// events.
package consumers

import (
	"context"

	"github.com/medflow/pharmanet/pkg/actor"
	"github.com/medflow/pharmanet/pkg/errors"
	"github.com/medflow/pharmanet/pkg/logger"
	"github.com/medflow/pharmanet/pkg/messaging"
)

// UserDirectory is the local copy of identity-provider users.
type UserDirectory interface {
	Set(ctx context.Context, a *actor.Actor) error
	Lookup(ctx context.Context, userID string) (*actor.Actor, error)
	Delete(ctx context.Context, userID string) error
}

// UserEventConsumer consumes user events into the user directory
type UserEventConsumer struct {
	consumer  *messaging.Consumer
	directory UserDirectory
	logger    *logger.Logger
}

// NewUserEventConsumer declares the queue, binds it to user events and
// registers the handlers
func NewUserEventConsumer(rmq *messaging.RabbitMQ, directory UserDirectory, log *logger.Logger) (*UserEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, "pharmacy-service.user-events", log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeUserEvents, "user.#"); err != nil {
		return nil, err
	}

	c := newUserEventConsumer(directory, log)
	c.consumer = consumer

	consumer.RegisterHandler(messaging.EventUserCreated, c.handleUserCreated)
	consumer.RegisterHandler(messaging.EventUserUpdated, c.handleUserUpdated)
	consumer.RegisterHandler(messaging.EventUserDeleted, c.handleUserDeleted)

	return c, nil
}

func newUserEventConsumer(directory UserDirectory, log *logger.Logger) *UserEventConsumer {
	return &UserEventConsumer{
		directory: directory,
		logger:    log.WithComponent("user-consumer"),
	}
}

// Start starts consuming messages
func (c *UserEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *UserEventConsumer) handleUserCreated(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserCreatedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("user_id", data.UserID).
		Msg("received user created event")

	a := &actor.Actor{ID: data.UserID, Name: data.FullName(), Email: data.Email}
	if data.SiteID != nil {
		a.SiteID = *data.SiteID
	}
	return c.directory.Set(ctx, a)
}

// changedTo returns the new value of a string field in a user.updated diff.
func changedTo(fields map[string]any, name string) (string, bool) {
	change, ok := fields[name].(map[string]any)
	if !ok {
		return "", false
	}
	if change["to"] == nil {
		return "", true
	}
	to, ok := change["to"].(string)
	return to, ok
}

func (c *UserEventConsumer) handleUserUpdated(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserUpdatedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("user_id", data.UserID).
		Msg("received user updated event")

	existing, err := c.directory.Lookup(ctx, data.UserID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if name, ok := changedTo(data.Fields, "name"); ok {
		existing.Name = name
	}
	if email, ok := changedTo(data.Fields, "email"); ok {
		existing.Email = email
	}
	if site, ok := changedTo(data.Fields, "site_id"); ok {
		existing.SiteID = site
	}

	return c.directory.Set(ctx, existing)
}

func (c *UserEventConsumer) handleUserDeleted(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserDeletedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("user_id", data.UserID).
		Msg("received user deleted event")

	return c.directory.Delete(ctx, data.UserID)
}
