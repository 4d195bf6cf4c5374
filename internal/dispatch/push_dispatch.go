package dispatch

import (
	"context"
	"errors"

	"github.com/example/ride-share/internal/models"
)

// PushDispatcher prefers the in-app socket and falls back to device push
// when the recipient is offline.
type PushDispatcher struct {
	WS   *WSRegistry
	Push Channel
}

func NewPushDispatcher(ws *WSRegistry, push Channel) *PushDispatcher {
	return &PushDispatcher{WS: ws, Push: push}
}

func (p *PushDispatcher) Name() string { return "app" }

func (p *PushDispatcher) Deliver(ctx context.Context, ev models.Event) error {
	if p.WS != nil {
		err := p.WS.Deliver(ctx, ev)
		if err == nil || !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	if p.Push == nil {
		return ErrNoSession
	}
	return p.Push.Deliver(ctx, ev)
}
