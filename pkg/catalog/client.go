// Package catalog is the HTTP client of the remote product catalog: CRUD
// endpoints plus the delta feed used by the change puller.
package catalog

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wurt83ow/possync/pkg/appcontext"
	"github.com/wurt83ow/possync/pkg/logger"
)

// RequestEditorFn  is the function signature for the RequestEditor callback function
type RequestEditorFn func(ctx context.Context, req *http.Request) error

// HttpRequestDoer performs HTTP requests.
//
// The standard http.Client implements this interface.
type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the catalog service.
type Client struct {
	// The endpoint of the server, with scheme. It may carry a path prefix;
	// operation paths are appended to it.
	Server string

	// Doer for performing requests, typically a *http.Client with any
	// customized settings, such as certificate chains.
	Client HttpRequestDoer

	// A list of callbacks for modifying requests which are generated before sending over
	// the network.
	RequestEditors []RequestEditorFn

	pullBackOff func() backoff.BackOff
	log         *zap.SugaredLogger
}

// ClientOption allows setting custom parameters during construction
type ClientOption func(*Client) error

// NewClient creates a new Client, with reasonable defaults
func NewClient(server string, opts ...ClientOption) (*Client, error) {
	client := Client{
		Server: server,
		log:    logger.NewNop(),
	}
	client.pullBackOff = defaultPullBackOff(20 * time.Second)

	for _, o := range opts {
		if err := o(&client); err != nil {
			return nil, err
		}
	}
	// ensure the server URL always has a trailing slash
	if !strings.HasSuffix(client.Server, "/") {
		client.Server += "/"
	}
	if client.Client == nil {
		client.Client = &http.Client{}
	}
	return &client, nil
}

// WithHTTPClient allows overriding the default Doer, which is
// automatically created using http.Client. This is useful for tests.
func WithHTTPClient(doer HttpRequestDoer) ClientOption {
	return func(c *Client) error {
		c.Client = doer
		return nil
	}
}

// WithTimeout bounds every request made by the default http.Client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.Client = &http.Client{Timeout: d}
		return nil
	}
}

// WithRequestEditorFn allows setting up a callback function, which will be
// called right before sending the request. This can be used to mutate the request.
func WithRequestEditorFn(fn RequestEditorFn) ClientOption {
	return func(c *Client) error {
		c.RequestEditors = append(c.RequestEditors, fn)
		return nil
	}
}

// WithBearerToken authenticates requests with the token carried by the
// request context, falling back to token.
func WithBearerToken(token string) ClientOption {
	return WithRequestEditorFn(func(ctx context.Context, req *http.Request) error {
		t, ok := appcontext.GetJWTToken(ctx)
		if !ok || t == "" {
			t = token
		}
		if t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
		return nil
	})
}

// WithCycleHeader forwards the sync cycle id of the request context as
// X-Sync-Cycle, so server logs can be matched with client logs.
func WithCycleHeader() ClientOption {
	return WithRequestEditorFn(func(ctx context.Context, req *http.Request) error {
		if id, ok := appcontext.GetCycleID(ctx); ok {
			req.Header.Set("X-Sync-Cycle", id)
		}
		return nil
	})
}

// WithPullMaxElapsed sets the total retry budget of one change pull.
func WithPullMaxElapsed(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.pullBackOff = defaultPullBackOff(d)
		return nil
	}
}

// WithPullBackOff replaces the retry policy of change pulls.
func WithPullBackOff(factory func() backoff.BackOff) ClientOption {
	return func(c *Client) error {
		c.pullBackOff = factory
		return nil
	}
}

func WithLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) error {
		c.log = logger.For(l, "catalog")
		return nil
	}
}

func defaultPullBackOff(maxElapsed time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = maxElapsed
		return b
	}
}

func (c *Client) applyEditors(ctx context.Context, req *http.Request, additionalEditors []RequestEditorFn) error {
	for _, r := range c.RequestEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	for _, r := range additionalEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, req *http.Request, reqEditors []RequestEditorFn) (*http.Response, error) {
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}
