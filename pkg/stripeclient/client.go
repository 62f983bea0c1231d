/**
 * @description
 * Client for the external transfer collaborator (Stripe Connect transfers). It
 * sends payouts with a caller-supplied idempotency key and looks transfers up by
 * transfer group so the reconciliation job can learn what actually happened.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v76: the Stripe API client.
 * - golang.org/x/time/rate: client-side throttling of outbound calls.
 */

package stripeclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"golang.org/x/time/rate"
)

var (
	// ErrTransferNotFound means no live transfer exists for the group.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrTransferDeclined is a definitive rejection; retrying the same request cannot succeed.
	ErrTransferDeclined = errors.New("transfer declined")
)

// TransferRequest describes one payout transfer.
type TransferRequest struct {
	AmountCents        int64
	Currency           string
	DestinationAccount string
	TransferGroup      string
	IdempotencyKey     string
	Metadata           map[string]string
}

// Transfer is the subset of a Stripe transfer the service relies on.
type Transfer struct {
	ID            string
	AmountCents   int64
	Currency      string
	Destination   string
	TransferGroup string
	Reversed      bool
	Created       time.Time
}

// Client wraps the Stripe API with a rate limiter.
type Client struct {
	api     *client.API
	limiter *rate.Limiter
}

// NewClient creates a client using Stripe's default backends.
func NewClient(secretKey string, requestsPerSecond float64) *Client {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Client{api: api, limiter: newLimiter(requestsPerSecond)}
}

// NewClientWithBackend creates a client that talks to baseURL, used for tests
// and for pointing at stripe-mock.
func NewClientWithBackend(secretKey, baseURL string, httpClient *http.Client, requestsPerSecond float64) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(baseURL),
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	})
	api := client.New(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &Client{api: api, limiter: newLimiter(requestsPerSecond)}
}

func newLimiter(requestsPerSecond float64) *rate.Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 20
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// CreateTransfer sends money to a connected account. Replaying the same
// idempotency key returns the original transfer instead of creating a new one.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrTransferDeclined)
	}
	if req.DestinationAccount == "" {
		return nil, fmt.Errorf("%w: destination account is required", ErrTransferDeclined)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.DestinationAccount),
		TransferGroup: stripe.String(req.TransferGroup),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}

	transfer, err := c.api.Transfers.New(params)
	if err != nil {
		return nil, classifyError(err)
	}
	return toTransfer(transfer), nil
}

// FindTransferByGroup returns the first non-reversed transfer of a group.
func (c *Client) FindTransferByGroup(ctx context.Context, transferGroup string) (*Transfer, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := &stripe.TransferListParams{TransferGroup: stripe.String(transferGroup)}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	iter := c.api.Transfers.List(params)
	for iter.Next() {
		transfer := iter.Transfer()
		if transfer != nil && !transfer.Reversed {
			return toTransfer(transfer), nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, classifyError(err)
	}
	return nil, ErrTransferNotFound
}

func toTransfer(t *stripe.Transfer) *Transfer {
	out := &Transfer{
		ID:            t.ID,
		AmountCents:   t.Amount,
		Currency:      string(t.Currency),
		TransferGroup: t.TransferGroup,
		Reversed:      t.Reversed,
		Created:       time.Unix(t.Created, 0).UTC(),
	}
	if t.Destination != nil {
		out.Destination = t.Destination.ID
	}
	return out
}

// classifyError separates definitive 4xx rejections from failures whose outcome
// is unknown (network errors, timeouts, 5xx, rate limiting).
func classifyError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrTransferDeclined, stripeErr.Msg)
		}
	}
	return fmt.Errorf("stripe request failed: %w", err)
}
