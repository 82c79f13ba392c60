package catalog

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/oapi-codegen/runtime"

	"github.com/wurt83ow/possync/pkg/models"
)

// PullChangesParams defines parameters for PullChanges.
type PullChangesParams struct {
	// Since only returns entities changed after this instant. Zero means everything.
	Since time.Time
}

func operationURL(server, operationPath string) (*url.URL, error) {
	serverURL, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	if operationPath[0] == '/' {
		operationPath = "." + operationPath
	}
	return serverURL.Parse(operationPath)
}

func productPath(id string) (string, error) {
	pathParam0, err := runtime.StyleParamWithLocation("simple", false, "id", runtime.ParamLocationPath, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/products/%s", pathParam0), nil
}

func jsonBody(body models.Snapshot) (io.Reader, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(buf), nil
}

// NewCreateProductRequest generates a POST /products request with a JSON body.
func NewCreateProductRequest(server string, body models.Snapshot) (*http.Request, error) {
	bodyReader, err := jsonBody(body)
	if err != nil {
		return nil, err
	}
	queryURL, err := operationURL(server, "/products")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, queryURL.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	return req, nil
}

// NewUpdateProductRequest generates a PUT /products/{id} request with a JSON body.
func NewUpdateProductRequest(server string, id string, body models.Snapshot) (*http.Request, error) {
	bodyReader, err := jsonBody(body)
	if err != nil {
		return nil, err
	}
	path, err := productPath(id)
	if err != nil {
		return nil, err
	}
	queryURL, err := operationURL(server, path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPut, queryURL.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	return req, nil
}

// NewDeleteProductRequest generates a DELETE /products/{id} request.
func NewDeleteProductRequest(server string, id string) (*http.Request, error) {
	path, err := productPath(id)
	if err != nil {
		return nil, err
	}
	queryURL, err := operationURL(server, path)
	if err != nil {
		return nil, err
	}
	return http.NewRequest(http.MethodDelete, queryURL.String(), nil)
}

// NewPullChangesRequest generates a GET /products/changes request.
func NewPullChangesRequest(server string, params PullChangesParams) (*http.Request, error) {
	queryURL, err := operationURL(server, "/products/changes")
	if err != nil {
		return nil, err
	}

	if !params.Since.IsZero() {
		queryValues := queryURL.Query()
		since := params.Since.UTC().Format(time.RFC3339Nano)
		if queryFrag, err := runtime.StyleParamWithLocation("form", true, "since", runtime.ParamLocationQuery, since); err != nil {
			return nil, err
		} else if parsed, err := url.ParseQuery(queryFrag); err != nil {
			return nil, err
		} else {
			for k, v := range parsed {
				for _, v2 := range v {
					queryValues.Add(k, v2)
				}
			}
		}
		queryURL.RawQuery = queryValues.Encode()
	}

	return http.NewRequest(http.MethodGet, queryURL.String(), nil)
}

// NewHealthRequest generates a GET /health request.
func NewHealthRequest(server string) (*http.Request, error) {
	queryURL, err := operationURL(server, "/health")
	if err != nil {
		return nil, err
	}
	return http.NewRequest(http.MethodGet, queryURL.String(), nil)
}
