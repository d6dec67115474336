package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"molva/internal/models"
	"molva/internal/presence"
	"molva/internal/router"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageRouter interface {
	SendDirect(ctx context.Context, senderID, recipientRef, body string) (models.Message, error)
	SendGroup(ctx context.Context, senderID, groupID, body string) (models.Message, error)
}

type presenceRegistry interface {
	Connect(userID string, h *presence.Handle)
	Disconnect(userID, handleID string)
}

// Connection ties one websocket to the routing core. Client events are
// processed strictly in arrival order by the main loop while the reader pump
// keeps draining the socket; a failed send reports an error event on this
// connection only and never tears it down.
type Connection struct {
	ws         wsConnection
	router     messageRouter
	registry   presenceRegistry
	userID     string
	handle     *presence.Handle
	fromClient chan models.ClientEvent
	errorCh    chan error
	log        *slog.Logger
}

func NewConnection(
	router messageRouter,
	registry presenceRegistry,
	ws wsConnection,
	userID string,
	log *slog.Logger,
) *Connection {
	return &Connection{
		ws:         ws,
		router:     router,
		registry:   registry,
		userID:     userID,
		handle:     presence.NewHandle(),
		fromClient: make(chan models.ClientEvent),
		errorCh:    make(chan error, 2),
		log:        log,
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	c.registry.Connect(c.userID, c.handle)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.registry.Disconnect(c.userID, c.handle.ID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			if err := c.processClientEvent(ctx, ev); err != nil {
				return err
			}
		case ev := <-c.handle.Events():
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(ctx context.Context, ev models.ClientEvent) error {
	var err error
	switch ev.Type {
	case models.ClientEventSendDirect:
		_, err = c.router.SendDirect(ctx, c.userID, ev.Recipient, ev.Body)
	case models.ClientEventSendGroup:
		_, err = c.router.SendGroup(ctx, c.userID, ev.GroupID, ev.Body)
	default:
		c.log.Debug("unknown client event type", "type", ev.Type, "user_id", c.userID)
		return c.ws.WriteJSON(models.ServerEvent{
			Type:   models.ServerEventError,
			Reason: models.ReasonInvalidMessage,
		})
	}

	if err == nil {
		return nil
	}

	return c.ws.WriteJSON(models.ServerEvent{
		Type:   models.ServerEventError,
		Reason: router.ReasonFor(err),
	})
}
