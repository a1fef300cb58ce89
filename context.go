package basp

import (
	"context"
	"fmt"
)

var ErrNotRequest = fmt.Errorf("message is not a request")

type Context struct {
	// The address of the current actor
	Self ActorAddr

	// The sender of the message; zero for anonymous senders
	Sender ActorAddr

	// Retained proxy for a remote sender, valid only while the message is
	// being handled. Retain it to keep it longer.
	SenderProxy *Proxy

	ID MessageID

	// The message being processed
	Message Message

	// Cancelled when the actor stops.
	Ctx context.Context

	system *ActorSystem
}

func (c *Context) Send(to ActorAddr, msg Message) error {
	return c.system.send(c.Ctx, c.Self, to, 0, msg)
}

func (c *Context) Request(to ActorAddr, msg Message) (Message, error) {
	return c.system.Request(c.Ctx, to, msg)
}

// Reply answers the current request. Asynchronous messages cannot be
// replied to.
func (c *Context) Reply(msg Message) error {
	if !c.ID.IsRequest() {
		return ErrNotRequest
	}
	if c.Sender.IsZero() {
		return fmt.Errorf("%w: anonymous sender", ErrNotRequest)
	}
	return c.system.send(c.Ctx, c.Self, c.Sender, c.ID.Response(), msg)
}
