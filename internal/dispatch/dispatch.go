// Package dispatch delivers formatted messages to the downstream assistant
// and implements the single-retry policy around that delivery.
package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// Request is one delivery to the assistant.
type Request struct {
	Channel  string
	Endpoint string
	Content  string
}

// Response is the assistant's verdict. OK is false for a structured
// rejection, which carries a user-facing message.
type Response struct {
	OK      bool
	Code    string
	Message string
}

// Client performs a single delivery attempt. Implementations distinguish a
// structured rejection (returned as a Response with OK=false, no error)
// from a transport failure (returned as an error).
type Client interface {
	Dispatch(ctx context.Context, req Request) (*Response, error)
}

// Dispatcher wraps a Client with the retry policy: one retry after a fixed
// backoff, rejections surfaced through a callback, anything else logged
// and dropped.
type Dispatcher struct {
	client  Client
	backoff time.Duration
	log     *slog.Logger
}

// NewDispatcher builds a dispatcher with the standard 2s backoff.
func NewDispatcher(client Client, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{client: client, backoff: 2 * time.Second, log: log}
}

// Send delivers the request. A transport failure is retried exactly once
// after the backoff; a structured rejection short-circuits to onReject (it
// is the assistant's answer, not a failure). After the retry the message is
// lost and only logged.
func (d *Dispatcher) Send(ctx context.Context, req Request, onReject func(message string)) {
	resp, err := d.client.Dispatch(ctx, req)
	if err == nil {
		if resp != nil && !resp.OK {
			d.reject(resp, onReject)
			return
		}
		d.log.Info("dispatched to assistant", slog.String("endpoint", req.Endpoint))
		return
	}

	d.log.Warn("dispatch failed, retrying",
		slog.String("endpoint", req.Endpoint), slog.Any("error", err))

	select {
	case <-time.After(d.backoff):
	case <-ctx.Done():
		d.log.Error("dispatch canceled during backoff", slog.Any("error", ctx.Err()))
		return
	}

	resp, err = d.client.Dispatch(ctx, req)
	if err == nil {
		if resp != nil && !resp.OK {
			d.reject(resp, onReject)
			return
		}
		d.log.Info("dispatched to assistant on retry", slog.String("endpoint", req.Endpoint))
		return
	}
	d.log.Error("dispatch failed after retry",
		slog.String("endpoint", req.Endpoint), slog.Any("error", err))
}

func (d *Dispatcher) reject(resp *Response, onReject func(string)) {
	d.log.Warn("assistant rejected message",
		slog.String("code", resp.Code), slog.String("message", resp.Message))
	if onReject != nil && resp.Message != "" {
		onReject(resp.Message)
	}
}
