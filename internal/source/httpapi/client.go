// Package httpapi reads catalog pages and assets from a JSON HTTP API.
//
// Endpoints, relative to the base URL:
//
//	GET /items?cursor=<c>&limit=<n>   -> {"items": [...], "next_cursor": "..."}
//	GET /items/<origin>/assets         -> {"assets": [{"order_index": 0, "url": "...", "content_type": "..."}]}
//
// Asset URLs may be absolute or relative to the base URL.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/source"
	"github.com/timmy/catalogsync/internal/syncerr"
)

const defaultTimeout = 30 * time.Second

// Config holds configuration for the HTTP source.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements source.Client over HTTP.
type Client struct {
	client *resty.Client
	name   string
}

// New creates an HTTP source client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	name := cfg.Name
	if name == "" {
		name = "http"
	}
	return &Client{client: client, name: name}
}

// GetSourceID returns the configured source name.
func (c *Client) GetSourceID() string {
	return "http:" + c.name
}

type pageResponse struct {
	Items      []itemPayload `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

type itemPayload struct {
	ID         string                 `json:"id"`
	Key        string                 `json:"key"`
	Kind       string                 `json:"kind"`
	Title      string                 `json:"title"`
	Attributes map[string]interface{} `json:"attributes"`
	UpdatedAt  *time.Time             `json:"updated_at"`
}

type assetsResponse struct {
	Assets []assetPayload `json:"assets"`
}

type assetPayload struct {
	OrderIndex  int    `json:"order_index"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// FetchPage fetches one page of items.
func (c *Client) FetchPage(ctx context.Context, cursor string, pageSize int) (*source.Page, error) {
	var (
		body    pageResponse
		errBody errorResponse
	)
	req := c.client.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(pageSize)).
		SetResult(&body).
		SetError(&errBody)
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}

	resp, err := req.Get("/items")
	if err := classify("fetch page", resp, err, errBody.Error); err != nil {
		return nil, err
	}

	page := &source.Page{
		Items:      make([]source.Item, 0, len(body.Items)),
		NextCursor: body.NextCursor,
	}
	for _, p := range body.Items {
		key := p.Key
		if key == "" {
			key = p.ID
		}
		page.Items = append(page.Items, source.Item{
			OriginID:   p.ID,
			NaturalKey: key,
			Kind:       p.Kind,
			Title:      p.Title,
			Attributes: p.Attributes,
			UpdatedAt:  p.UpdatedAt,
		})
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldSource: c.GetSourceID(),
		logger.FieldCursor: cursor,
		logger.FieldCount:  len(page.Items),
	}).Debug("Fetched page")
	return page, nil
}

// FetchAssets lists the assets of originID. Bodies are fetched lazily by
// Asset.Open.
func (c *Client) FetchAssets(ctx context.Context, originID string) ([]source.Asset, error) {
	var (
		body    assetsResponse
		errBody errorResponse
	)
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("origin", originID).
		SetResult(&body).
		SetError(&errBody).
		Get("/items/{origin}/assets")
	if err := classify("fetch assets", resp, err, errBody.Error); err != nil {
		return nil, err
	}

	assets := make([]source.Asset, 0, len(body.Assets))
	for _, a := range body.Assets {
		if a.URL == "" {
			return nil, syncerr.Invalid("asset.url", fmt.Sprintf("origin %s asset %d has no url", originID, a.OrderIndex))
		}
		link := a.URL
		assets = append(assets, source.Asset{
			OrderIndex:  a.OrderIndex,
			ContentType: a.ContentType,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return c.download(ctx, link)
			},
		})
	}
	return assets, nil
}

func (c *Client) download(ctx context.Context, link string) (io.ReadCloser, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "*/*").
		Get(link)
	if err != nil {
		return nil, transportError("download asset", err)
	}
	if resp.IsError() {
		_ = resp.RawBody().Close()
		return nil, syncerr.FromStatus("download asset", resp.StatusCode(), nil)
	}
	return resp.RawBody(), nil
}

// classify maps a resty outcome onto the retry taxonomy.
func classify(op string, resp *resty.Response, err error, msg string) error {
	if err != nil {
		return transportError(op, err)
	}
	if resp.IsSuccess() {
		return nil
	}
	var cause error
	if msg != "" {
		cause = errors.New(msg)
	}
	return syncerr.FromStatus(op, resp.StatusCode(), cause)
}

func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return syncerr.Fatal(op, err)
	}
	// A body that does not decode is a schema mismatch, not an outage.
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return syncerr.Fatal(op, err)
	}
	return syncerr.Transient(op, err)
}
