// Package mock provides an in-memory shipping.Carrier for tests and local
// development.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipquote/pkg/shipping"
)

// Client is a mock carrier. Options, Services and the error fields may be
// changed between calls; reads and writes go through the setters so they are
// safe for concurrent use.
type Client struct {
	name string

	mu        sync.RWMutex
	options   []shipping.ShippingOption
	services  []shipping.ShippingModality
	quoteErr  error
	listErr   error
	lastReq   *shipping.QuoteRequest
	lastEnv   shipping.Environment
	quotes    atomic.Int32
	listCalls atomic.Int32
}

// New creates a mock carrier returning two default options.
func New(name string) *Client {
	return &Client{
		name: name,
		options: []shipping.ShippingOption{
			{
				ServiceID:       1,
				ServiceName:     fmt.Sprintf("%s Standard", name),
				CarrierName:     name,
				Price:           decimal.RequireFromString("25.90"),
				OriginalPrice:   decimal.RequireFromString("25.90"),
				DeliveryDaysMin: 5,
				DeliveryDaysMax: 7,
				PackageCount:    1,
			},
			{
				ServiceID:       2,
				ServiceName:     fmt.Sprintf("%s Express", name),
				CarrierName:     name,
				Price:           decimal.RequireFromString("42.10"),
				OriginalPrice:   decimal.RequireFromString("42.10"),
				DeliveryDaysMin: 1,
				DeliveryDaysMax: 2,
				PackageCount:    1,
			},
		},
		services: []shipping.ShippingModality{
			{ServiceID: 1, Name: fmt.Sprintf("%s Standard", name), CarrierID: 1, CarrierName: name, Active: true},
			{ServiceID: 2, Name: fmt.Sprintf("%s Express", name), CarrierID: 1, CarrierName: name, Active: true},
		},
	}
}

// SetOptions replaces the options returned by Quote.
func (c *Client) SetOptions(opts []shipping.ShippingOption) {
	c.mu.Lock()
	c.options = shipping.CloneOptions(opts)
	c.mu.Unlock()
}

// SetServices replaces the services returned by ListServices.
func (c *Client) SetServices(services []shipping.ShippingModality) {
	c.mu.Lock()
	c.services = append([]shipping.ShippingModality(nil), services...)
	c.mu.Unlock()
}

// SetQuoteError makes Quote fail with err. Nil restores success.
func (c *Client) SetQuoteError(err error) {
	c.mu.Lock()
	c.quoteErr = err
	c.mu.Unlock()
}

// SetListError makes ListServices fail with err.
func (c *Client) SetListError(err error) {
	c.mu.Lock()
	c.listErr = err
	c.mu.Unlock()
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return c.name
}

// ListServices returns the configured services stamped with env.
func (c *Client) ListServices(ctx context.Context, env shipping.Environment) ([]shipping.ShippingModality, error) {
	c.listCalls.Add(1)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	now := time.Now().UTC()
	out := make([]shipping.ShippingModality, len(c.services))
	for i, s := range c.services {
		s.Environment = env
		s.UpdatedAt = now
		out[i] = s
	}
	return out, nil
}

// Quote returns a copy of the configured options.
func (c *Client) Quote(ctx context.Context, req *shipping.QuoteRequest, env shipping.Environment) ([]shipping.ShippingOption, error) {
	c.quotes.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	reqCopy := *req
	reqCopy.Packages = append([]shipping.PackageSpec(nil), req.Packages...)
	c.lastReq = &reqCopy
	c.lastEnv = env
	if c.quoteErr != nil {
		return nil, c.quoteErr
	}
	return shipping.CloneOptions(c.options), nil
}

// QuoteCalls returns how many times Quote was called.
func (c *Client) QuoteCalls() int {
	return int(c.quotes.Load())
}

// ListCalls returns how many times ListServices was called.
func (c *Client) ListCalls() int {
	return int(c.listCalls.Load())
}

// LastRequest returns the most recent quote request and environment.
func (c *Client) LastRequest() (*shipping.QuoteRequest, shipping.Environment) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReq, c.lastEnv
}

var _ shipping.Carrier = (*Client)(nil)
