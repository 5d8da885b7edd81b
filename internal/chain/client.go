package chain

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/nicodishanthj/soldocs/internal/common"
)

const defaultMaxRetries = 3

// Account is the slice of on-chain account state the agent cares about.
type Account struct {
	Data       []byte
	Owner      string
	Executable bool
	Length     int
}

// Client wraps a Solana JSON-RPC endpoint with the retry policy shared by
// every chain call. Safe for concurrent use.
type Client struct {
	rpc *rpc.Client
	url string
}

// New returns a client for the given RPC endpoint.
func New(url string) *Client {
	return &Client{rpc: rpc.New(url), url: url}
}

// URL returns the configured endpoint.
func (c *Client) URL() string { return c.url }

// WithRetry runs fn up to maxRetries times, backing off between attempts.
// Only rate-limit and transient upstream failures (429, 502, 503) are
// retried; anything else propagates from the first attempt.
func WithRetry[T any](fn func() (T, error), maxRetries int) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) || attempt == maxRetries-1 {
			return zero, err
		}
		delay := time.Duration(1<<attempt)*time.Second + time.Duration(rand.Intn(500))*time.Millisecond
		common.Logger().Warn("chain: transient rpc error, backing off", "attempt", attempt+1, "delay", delay, "error", err)
		time.Sleep(delay)
	}
	return zero, lastErr
}

func retryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "502") || strings.Contains(msg, "503")
}

// GetAccount fetches raw account state for a base58 address. A missing
// account returns (nil, nil).
func (c *Client) GetAccount(ctx context.Context, address string) (*Account, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("parse address %s: %w", address, err)
	}
	result, err := WithRetry(func() (*rpc.GetAccountInfoResult, error) {
		return c.rpc.GetAccountInfo(ctx, pubkey)
	}, defaultMaxRetries)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	if result == nil || result.Value == nil {
		return nil, nil
	}
	data := result.Value.Data.GetBinary()
	return &Account{
		Data:       data,
		Owner:      result.Value.Owner.String(),
		Executable: result.Value.Executable,
		Length:     len(data),
	}, nil
}

// Probe checks endpoint reachability through the retry wrapper. Used as a
// startup gate before the agent is allowed to run.
func (c *Client) Probe(ctx context.Context) error {
	_, err := WithRetry(func() (*rpc.GetVersionResult, error) {
		return c.rpc.GetVersion(ctx)
	}, defaultMaxRetries)
	if err != nil {
		return fmt.Errorf("rpc endpoint %s unreachable: %w", c.url, err)
	}
	return nil
}
