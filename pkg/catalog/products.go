package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/wurt83ow/possync/pkg/models"
)

// maxErrorBody caps how much of an error response is kept in messages.
const maxErrorBody = 4 << 10

// conflictBody is what the catalog sends with a 409.
type conflictBody struct {
	Message string          `json:"message"`
	Current models.Snapshot `json:"current"`
}

// CreateProduct posts a new product. The server is expected to treat a
// repeated create of the same id as a no-op.
func (c *Client) CreateProduct(ctx context.Context, product models.Snapshot) (models.Snapshot, error) {
	req, err := NewCreateProductRequest(c.Server, product)
	if err != nil {
		return nil, err
	}
	return c.sendSnapshot(ctx, "create product", product.ID(), req, product)
}

func (c *Client) UpdateProduct(ctx context.Context, id string, changes models.Snapshot) (models.Snapshot, error) {
	req, err := NewUpdateProductRequest(c.Server, id, changes)
	if err != nil {
		return nil, err
	}
	return c.sendSnapshot(ctx, "update product", id, req, changes)
}

// DeleteProduct removes a product. A product the server no longer knows is
// treated as already deleted.
func (c *Client) DeleteProduct(ctx context.Context, id string) error {
	req, err := NewDeleteProductRequest(c.Server, id)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req, nil)
	if err != nil {
		return &models.NetworkError{Op: "delete product", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	_, err = readResponse("delete product", id, resp)
	return err
}

// PullChanges fetches the entities changed since the watermark. Transient
// failures are retried with exponential backoff.
func (c *Client) PullChanges(ctx context.Context, since time.Time) (models.PullResult, error) {
	attempt := 0
	operation := func() (models.PullResult, error) {
		attempt++
		result, err := c.pullOnce(ctx, since)
		if err == nil {
			return result, nil
		}
		if !models.IsRetryable(err) {
			return models.PullResult{}, backoff.Permanent(err)
		}
		c.log.Debugw("Change pull failed, retrying", "attempt", attempt, "error", err)
		return models.PullResult{}, err
	}

	return backoff.RetryWithData(operation, backoff.WithContext(c.pullBackOff(), ctx))
}

func (c *Client) pullOnce(ctx context.Context, since time.Time) (models.PullResult, error) {
	req, err := NewPullChangesRequest(c.Server, PullChangesParams{Since: since})
	if err != nil {
		return models.PullResult{}, err
	}
	resp, err := c.do(ctx, req, nil)
	if err != nil {
		return models.PullResult{}, &models.NetworkError{Op: "pull changes", Err: err}
	}
	defer resp.Body.Close()

	body, err := readResponse("pull changes", "", resp)
	if err != nil {
		return models.PullResult{}, err
	}

	var result models.PullResult
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return models.PullResult{}, fmt.Errorf("pull changes: decode response: %w", err)
		}
	}
	return result, nil
}

// Ping checks that the catalog is reachable. Only a NetworkError means it is not.
func (c *Client) Ping(ctx context.Context) error {
	req, err := NewHealthRequest(c.Server)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req, nil)
	if err != nil {
		return &models.NetworkError{Op: "health", Err: err}
	}
	defer resp.Body.Close()

	_, err = readResponse("health", "", resp)
	return err
}

func (c *Client) sendSnapshot(ctx context.Context, op, id string, req *http.Request, sent models.Snapshot) (models.Snapshot, error) {
	resp, err := c.do(ctx, req, nil)
	if err != nil {
		return nil, &models.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := readResponse(op, id, resp)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return sent, nil
	}

	var out models.Snapshot
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return out, nil
}

// readResponse returns the body of a 2xx response and maps every other
// status onto the error taxonomy.
func readResponse(op, id string, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.NetworkError{Op: op, Err: err}
	}

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return body, nil
	case code == http.StatusConflict:
		return nil, decodeConflict(id, body)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return nil, &models.NetworkError{Op: op, Status: code}
	default:
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &models.ValidationError{Status: code, Message: msg}
	}
}

func decodeConflict(id string, body []byte) error {
	cerr := &models.ConflictError{EntityID: id}

	var wrapped conflictBody
	if err := json.Unmarshal(body, &wrapped); err == nil && (wrapped.Current != nil || wrapped.Message != "") {
		cerr.Server = wrapped.Current
		return cerr
	}
	var bare models.Snapshot
	if err := json.Unmarshal(body, &bare); err == nil && len(bare) > 0 {
		cerr.Server = bare
	}
	return cerr
}
