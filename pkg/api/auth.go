package api

import (
	"context"
	"encoding/json"
	"fmt"
)

// Challenge is the message a wallet signs to prove ownership.
type Challenge struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

// User is the account behind a credential.
type User struct {
	ID            int64  `json:"id"`
	WalletAddress string `json:"wallet_address"`
}

// Profile is what /profile reports for the current credential.
type Profile struct {
	UserID        int64  `json:"user_id"`
	WalletAddress string `json:"wallet_address"`
}

type walletRequest struct {
	WalletAddress string `json:"wallet_address"`
	Signature     string `json:"signature,omitempty"`
}

type verifyResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Nonce asks the server for a sign-in challenge for address.
func (c *Client) Nonce(ctx context.Context, address string) (Challenge, error) {
	if err := ValidateAddress(address); err != nil {
		return Challenge{}, err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(walletRequest{WalletAddress: address}).
		Post("/auth/nonce")
	if err := check(resp, err); err != nil {
		return Challenge{}, fmt.Errorf("request nonce: %w", err)
	}

	var out Challenge
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return Challenge{}, fmt.Errorf("decode nonce: %w", err)
	}
	return out, nil
}

// Verify exchanges a signed challenge for a credential.
func (c *Client) Verify(ctx context.Context, address, signature string) (string, User, error) {
	if signature == "" {
		return "", User{}, fmt.Errorf("signature is required")
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(walletRequest{WalletAddress: address, Signature: signature}).
		Post("/auth/verify")
	if err := check(resp, err); err != nil {
		return "", User{}, fmt.Errorf("verify signature: %w", err)
	}

	var out verifyResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", User{}, fmt.Errorf("decode verify: %w", err)
	}
	if out.Token == "" {
		return "", User{}, fmt.Errorf("verify signature: server returned no token")
	}
	return out.Token, out.User, nil
}

// Profile returns the account for the current credential.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		Get("/profile")
	if err := check(resp, err); err != nil {
		return Profile{}, fmt.Errorf("fetch profile: %w", err)
	}

	var out Profile
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return out, nil
}
