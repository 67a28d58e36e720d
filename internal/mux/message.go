package mux

import (
	"context"
	"fmt"

	"github.com/pivaldi/peermux/internal/wire"
)

// SendResponse answers the request tagged tag on c. A nil payload sends
// a bare acknowledgement.
func (m *Multiplexer) SendResponse(c *Conn, tag string, payload any) error {
	resp, err := wire.NewResponse(tag, payload)
	if err != nil {
		return err
	}
	return c.send(wire.FrameResponse, resp)
}

// SendErrorResponse answers the request tagged tag on c with an error.
func (m *Multiplexer) SendErrorResponse(c *Conn, tag string, err error) error {
	return c.send(wire.FrameResponse, wire.ErrorResponse(tag, err))
}

// SendJustSaying sends a one-way notification on c.
func (m *Multiplexer) SendJustSaying(c *Conn, subject string, body any) error {
	if subject == "" {
		return fmt.Errorf("justsaying without subject")
	}
	return c.send(wire.FrameJustSaying, wire.JustSaying{Subject: subject, Body: body})
}

// Request sends a request and waits for its outcome. Merged requests wait
// on the pending one. The returned error is the response error, if any,
// or ctx's error. The handler stays registered when ctx ends first; its
// late outcome is discarded.
func (m *Multiplexer) Request(ctx context.Context, c *Conn, pt wire.PackType, command string, body any, allowReroute bool) (wire.Response, error) {
	done := make(chan wire.Response, 1)
	res := m.Send(c, pt, command, body, allowReroute, func(_ *Conn, _ wire.Request, resp wire.Response) {
		done <- resp
	})
	if res == Rejected {
		return wire.Response{}, fmt.Errorf("request %s rejected", command)
	}

	select {
	case resp := <-done:
		return resp, resp.Err()
	case <-ctx.Done():
		return wire.Response{}, ctx.Err()
	}
}
