package orgmeta

import (
	"context"
	"errors"
	"fmt"
)

// Getter is the remote-store read subset this client needs.
type Getter interface {
	Get(ctx context.Context, path string, out any) error
}

// PrintPricing is the organization's print tariff. A single unit price is
// applied to every page regardless of color.
type PrintPricing struct {
	UnitPrice float64 `json:"unit_price"`
	Currency  string  `json:"currency"`
}

// OperatingHours is the organization's allowed-use window.
type OperatingHours struct {
	OpenTime           string `json:"open_time"`  // "HH:MM"
	CloseTime          string `json:"close_time"` // "HH:MM", may wrap past midnight
	GracePeriodMinutes int    `json:"grace_period_minutes"`
	GraceBehavior      string `json:"grace_behavior"` // "warn" or "end"
}

type settingsDocument struct {
	PrintPricing   PrintPricing   `json:"print_pricing"`
	OperatingHours OperatingHours `json:"operating_hours"`
}

// Client reads org-level configuration from the remote store.
type Client struct {
	store Getter
}

// NewClient returns an org metadata client.
func NewClient(store Getter) *Client {
	return &Client{store: store}
}

// GetPrintPricing returns the current print tariff.
func (c *Client) GetPrintPricing(ctx context.Context) (PrintPricing, error) {
	var doc settingsDocument
	if err := c.store.Get(ctx, "org/settings", &doc); err != nil {
		return PrintPricing{}, fmt.Errorf("orgmeta: load settings: %w", err)
	}
	if doc.PrintPricing.UnitPrice <= 0 {
		return PrintPricing{}, errors.New("orgmeta: print unit price not configured")
	}
	return doc.PrintPricing, nil
}

// GetOperatingHours returns the configured open window.
func (c *Client) GetOperatingHours(ctx context.Context) (OperatingHours, error) {
	var doc settingsDocument
	if err := c.store.Get(ctx, "org/settings", &doc); err != nil {
		return OperatingHours{}, fmt.Errorf("orgmeta: load settings: %w", err)
	}
	if doc.OperatingHours.OpenTime == "" || doc.OperatingHours.CloseTime == "" {
		return OperatingHours{}, errors.New("orgmeta: operating hours not configured")
	}
	return doc.OperatingHours, nil
}
