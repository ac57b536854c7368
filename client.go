package http

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// Client is a synchronous convenience wrapper around a Pipeline, for
// callers that don't want to manage their own Reactor and completion
// callbacks (mirrors the teacher's Client.CtxDo ergonomics, adapted to
// the asynchronous engine underneath: CtxDo blocks on a channel while a
// background goroutine drives the Pipeline's Run loop).
type Client struct {
	Options Options

	once sync.Once
	pl   *Pipeline
	err  error
}

func (c *Client) pipeline() (*Pipeline, error) {
	c.once.Do(func() {
		c.pl, c.err = NewPipeline(c.Options)
		if c.err == nil {
			go c.pl.Run()
		}
	})
	return c.pl, c.err
}

// CtxDo issues method against absoluteURI and blocks until the Call
// reaches a terminal condensed status or ctx is done.
func (c *Client) CtxDo(ctx context.Context, method, absoluteURI string, header http.Header, body io.Reader) (*Call, error) {
	pl, err := c.pipeline()
	if err != nil {
		return nil, err
	}
	call, err := NewCall(method, absoluteURI, header, body)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	settled := call
	pl.AddWithCallback(call, func(final *Call, _ error) { settled = final; close(done) })

	select {
	case <-done:
		return settled, nil
	case <-ctx.Done():
		return call, ctx.Err()
	}
}

// Close tears down the Client's Pipeline, if one was ever created.
func (c *Client) Close() {
	if c.pl != nil {
		c.pl.Close()
	}
}
