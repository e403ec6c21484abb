// Package discovery announces an Athernet node's presence on the local
// network over mDNS/DNS-SD, adapted from the teacher's KISS-over-TCP
// announcer: a node has no TCP port of its own (its link is audio), so
// what gets announced is an informational port number taken from the
// CLI's --control-port flag (nothing listens on it), with the node's MAC
// address carried as a TXT record so peers on the same acoustic channel
// can find each other's hostnames.
package discovery

import (
	"context"
	"fmt"
	"strconv"

	"github.com/brutella/dnssd"
)

// ServiceType is the DNS-SD service type Athernet nodes announce under.
const ServiceType = "_athernet._tcp"

// Announcer keeps the responder goroutine that answers mDNS queries
// alive for as long as the node runs.
type Announcer struct {
	responder dnssd.Responder
	cancel    context.CancelFunc
}

// Announce registers name (empty to let dnssd pick a default) for
// macAddr's control port. It starts a background goroutine answering
// mDNS queries and returns immediately.
func Announce(name string, macAddr byte, port int) (*Announcer, error) {
	var cfg = dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: port,
		Text: map[string]string{"mac": strconv.Itoa(int(macAddr))},
	}

	var service, svcErr = dnssd.NewService(cfg)
	if svcErr != nil {
		return nil, fmt.Errorf("discovery: build service: %w", svcErr)
	}

	var responder, respErr = dnssd.NewResponder()
	if respErr != nil {
		return nil, fmt.Errorf("discovery: build responder: %w", respErr)
	}

	if _, err := responder.Add(service); err != nil {
		return nil, fmt.Errorf("discovery: register service: %w", err)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var a = &Announcer{responder: responder, cancel: cancel}

	go func() {
		_ = responder.Respond(ctx)
	}()

	return a, nil
}

// Stop ends the responder goroutine. The service stops answering
// queries immediately; TTL expiry on peers' caches is not accelerated.
func (a *Announcer) Stop() {
	a.cancel()
}
