// Package gateclient is the HTTP client for the payout gate API. It
// implements the ports the authorization flow and the bulk orchestrator
// drive: challenge generation, verification, bulk submission, and the
// single-field fetch used by the amendment guard.
package gateclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alovak/payout-gate/gate/models"
)

type Client struct {
	Base string
	User string
	HTTP *http.Client
}

func New(base, user string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{Base: strings.TrimRight(base, "/"), User: user, HTTP: hc}
}

// GenerateOTP asks the gate for one challenge covering the whole batch.
// Returns nil on a silent refusal (204): the caller must abort without
// showing any interaction.
func (c *Client) GenerateOTP(ctx context.Context, paymentEntries []string) (*models.GenerationResult, error) {
	body := struct {
		PaymentEntries []string `json:"payment_entries"`
	}{paymentEntries}

	resp, err := c.post(ctx, "/auth/otp", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, statusError("generate otp", resp)
	}

	var result models.GenerationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding generation result: %w", err)
	}
	return &result, nil
}

// VerifyAuthenticator submits one response for the session.
func (c *Client) VerifyAuthenticator(ctx context.Context, response, authID string) (models.Verification, error) {
	body := struct {
		Authenticator string `json:"authenticator"`
		AuthID        string `json:"auth_id"`
	}{response, authID}

	resp, err := c.post(ctx, "/auth/verify", body)
	if err != nil {
		return models.Verification{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Verification{}, statusError("verify authenticator", resp)
	}

	var verdict models.Verification
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return models.Verification{}, fmt.Errorf("decoding verification: %w", err)
	}
	return verdict, nil
}

// VerifyOTP calls the legacy single-method endpoint.
func (c *Client) VerifyOTP(ctx context.Context, otp, authID string) (models.Verification, error) {
	body := struct {
		OTP    string `json:"otp"`
		AuthID string `json:"auth_id"`
	}{otp, authID}

	resp, err := c.post(ctx, "/auth/verify-otp", body)
	if err != nil {
		return models.Verification{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Verification{}, statusError("verify otp", resp)
	}

	var verdict models.Verification
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return models.Verification{}, fmt.Errorf("decoding verification: %w", err)
	}
	return verdict, nil
}

// BulkPayAndSubmit executes the authorized batch and returns the docnames
// that failed.
func (c *Client) BulkPayAndSubmit(ctx context.Context, authID string, docnames []string, markOnlinePayment bool, taskID string) ([]string, error) {
	body := struct {
		AuthID            string   `json:"auth_id"`
		Docnames          []string `json:"docnames"`
		MarkOnlinePayment bool     `json:"mark_online_payment"`
		TaskID            string   `json:"task_id"`
	}{authID, docnames, markOnlinePayment, taskID}

	resp, err := c.post(ctx, "/payment-entries/bulk-submit", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("bulk pay and submit", resp)
	}

	var failed []string
	if err := json.NewDecoder(resp.Body).Decode(&failed); err != nil {
		return nil, fmt.Errorf("decoding failed docnames: %w", err)
	}
	return failed, nil
}

// PaymentEntries reads the list-view model: every entry the gate knows,
// ordered by name.
func (c *Client) PaymentEntries(ctx context.Context) ([]models.PaymentEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+"/payment-entries/", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-Gate-User", c.User)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list payment entries: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list payment entries", resp)
	}

	var entries []models.PaymentEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding payment entries: %w", err)
	}
	return entries, nil
}

// Value reads a single field of a record, satisfying the amendment guard's
// Fetcher port. Only the "Payment Entry" doctype is served by the gate.
func (c *Client) Value(ctx context.Context, doctype, docname, field string) (any, error) {
	if doctype != "Payment Entry" {
		return nil, fmt.Errorf("unsupported doctype %q", doctype)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/payment-entries/%s/value/%s", c.Base, docname, field), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-Gate-User", c.User)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch value: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch value", resp)
	}

	var payload struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return payload.Value, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gate-User", c.User)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s status=%d body=%s", op, resp.StatusCode, strings.TrimSpace(string(b)))
}
