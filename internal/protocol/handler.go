package protocol

import "context"

// Handler receives messages routed to an office. One method per message
// type; the router resolves the dispatch target once at registration, so a
// nil-safe default is always available via BaseHandler.
//
// RESPONSE messages never reach a handler: they resolve the pending
// request future (or are dropped as stale) inside the router itself.
type Handler interface {
	HandleRequest(ctx context.Context, msg *Message) error
	HandleNotification(ctx context.Context, msg *Message) error
	HandleWorkflow(ctx context.Context, msg *Message) error
	HandleMemoryShare(ctx context.Context, msg *Message) error
	HandleError(ctx context.Context, msg *Message) error
}

// BaseHandler is a no-op Handler. Offices embed it and override only the
// message types they care about.
type BaseHandler struct{}

func (BaseHandler) HandleRequest(ctx context.Context, msg *Message) error      { return nil }
func (BaseHandler) HandleNotification(ctx context.Context, msg *Message) error { return nil }
func (BaseHandler) HandleWorkflow(ctx context.Context, msg *Message) error     { return nil }
func (BaseHandler) HandleMemoryShare(ctx context.Context, msg *Message) error  { return nil }
func (BaseHandler) HandleError(ctx context.Context, msg *Message) error        { return nil }
