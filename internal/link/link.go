// Package link reports whether the node's network interface is associated.
// Joining the network (WiFi credentials, access-point fallback) is done by
// the operating system; the node only observes the result.
package link

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agsys/irrigation-node/internal/logger"
)

// Interface watches one network interface.
type Interface struct {
	name   string
	lookup func(name string) (*net.Interface, error)
}

// New returns a link bound to the named interface, e.g. "wlan0".
func New(name string) *Interface {
	return &Interface{name: name, lookup: net.InterfaceByName}
}

// Up reports whether the interface is up, running and has a unicast
// address.
func (l *Interface) Up() bool {
	ifi, err := l.lookup(l.name)
	if err != nil {
		return false
	}
	if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagRunning == 0 {
		return false
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.IsGlobalUnicast() {
			return true
		}
	}
	return false
}

// Static is a link with a fixed state.
type Static bool

func (s Static) Up() bool { return bool(s) }

// Checker is satisfied by Interface and Static.
type Checker interface {
	Up() bool
}

// WaitUp polls l with exponential backoff until it is up or timeout
// elapses. It returns an error if the link never came up.
func WaitUp(ctx context.Context, l Checker, timeout time.Duration, log *logger.Logger) error {
	if l.Up() {
		return nil
	}
	if timeout <= 0 {
		return fmt.Errorf("network link down")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = timeout

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if l.Up() {
			return nil
		}
		log.Debugw("waiting for network link", "attempt", attempt)
		return fmt.Errorf("network link down")
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("network link not up after %v: %w", timeout, err)
	}
	log.Infow("network link up", "attempts", attempt)
	return nil
}
