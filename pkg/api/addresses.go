package api

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidAddress is returned for strings that are neither a hex address
// nor an ENS name.
var ErrInvalidAddress = errors.New("invalid address: want 0x followed by 40 hex digits or an ENS name")

var (
	hexAddress = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	ensName    = regexp.MustCompile(`^([a-z0-9-]+\.)+eth$`)
)

// ValidateAddress checks the format only; the server resolves ENS names.
func ValidateAddress(address string) error {
	if hexAddress.MatchString(address) || ensName.MatchString(strings.ToLower(address)) {
		return nil
	}
	return ErrInvalidAddress
}

// WatchedAddress is an address whose transactions show up in the feed.
type WatchedAddress struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Address   string    `json:"address"`
	Label     string    `json:"label"`
	ENSName   string    `json:"ens_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type addAddressRequest struct {
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`
}

// Addresses lists the watched addresses.
func (c *Client) Addresses(ctx context.Context) ([]WatchedAddress, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		Get("/addresses")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}

	var out []WatchedAddress
	if err := decodeEnvelope(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	return out, nil
}

// AddAddress starts watching address.
func (c *Client) AddAddress(ctx context.Context, address, label string) (WatchedAddress, error) {
	if err := ValidateAddress(address); err != nil {
		return WatchedAddress{}, err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(addAddressRequest{Address: address, Label: label}).
		Post("/addresses")
	if err := check(resp, err); err != nil {
		return WatchedAddress{}, fmt.Errorf("add address: %w", err)
	}

	var out WatchedAddress
	if err := decodeEnvelope(resp.Body(), &out); err != nil {
		return WatchedAddress{}, fmt.Errorf("add address: %w", err)
	}
	return out, nil
}

// RemoveAddress stops watching the address with the given id.
func (c *Client) RemoveAddress(ctx context.Context, id int64) error {
	resp, err := c.client.R().
		SetContext(ctx).
		Delete("/addresses/" + strconv.FormatInt(id, 10))
	if err := check(resp, err); err != nil {
		return fmt.Errorf("remove address %d: %w", id, err)
	}
	if len(resp.Body()) == 0 {
		return nil
	}
	if err := decodeEnvelope(resp.Body(), nil); err != nil {
		return fmt.Errorf("remove address %d: %w", id, err)
	}
	return nil
}
