package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const dialTimeout = 250 * time.Millisecond

// WaitReachable polls host:port until a TCP connection succeeds or ctx is
// done. The test connection is closed immediately.
//
// Servers started with a wait-for-client flag may take that connection as their
// session client, so hosts should only use this when the backend accepts
// more than one connection or the test connection is the intended client.
func WaitReachable(ctx context.Context, host string, port int) error {
	address := net.JoinHostPort(host, strconv.Itoa(port))

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(0),
	)

	var lastErr error
	err := backoff.Retry(func() error {
		conn, dialErr := net.DialTimeout("tcp", address, dialTimeout)
		if dialErr != nil {
			lastErr = dialErr
			return dialErr
		}
		return conn.Close()
	}, backoff.WithContext(b, ctx))

	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, address, errors.Join(lastErr, err))
	}
	return fmt.Errorf("%w: %s: %w", ErrUnreachable, address, err)
}
