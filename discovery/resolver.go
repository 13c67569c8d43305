package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/grandcat/zeroconf"
)

// ErrNoRelay indicates no compatible relay answered on the LAN.
var ErrNoRelay = errors.New("discovery: no relay found")

// Relay is an advertised relay endpoint.
type Relay struct {
	RelayID   string
	Name      string
	Version   int
	HostName  string
	Port      int
	Addresses []string
}

// URL returns the HTTP base URL of the relay, preferring IPv4 addresses.
func (r Relay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// Scan browses for one ScanTimeout window and returns every relay seen,
// sorted by relay ID.
func Scan(ctx context.Context, config Config) ([]Relay, error) {
	cfg := config.withDefaults()
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}
	return scan(ctx, cfg, browse)
}

// Resolve finds a relay whose protocol version matches. A relay matching
// config.RelayID wins; otherwise the lowest relay ID is chosen. Empty scans
// are retried with backoff up to MaxAttempts windows.
func Resolve(ctx context.Context, config Config) (Relay, error) {
	cfg := config.withDefaults()
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return Relay{}, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	var found Relay
	operation := func() error {
		relays, err := scan(ctx, cfg, browse)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		relay, ok := pickRelay(relays, cfg)
		if !ok {
			return ErrNoRelay
		}
		found = relay
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(cfg.newBackOff(), uint64(cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return Relay{}, ctx.Err()
		}
		return Relay{}, err
	}
	return found, nil
}

func pickRelay(relays []Relay, cfg Config) (Relay, bool) {
	var compatible []Relay
	for _, relay := range relays {
		if relay.Version != cfg.Version {
			continue
		}
		if cfg.RelayID != "" && relay.RelayID == cfg.RelayID {
			return relay, true
		}
		compatible = append(compatible, relay)
	}
	if len(compatible) == 0 {
		return Relay{}, false
	}
	return compatible[0], true
}

func scan(ctx context.Context, cfg Config, browse browseFunc) ([]Relay, error) {
	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[relay.RelayID] = relay
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]Relay, 0, len(collected))
	for _, relay := range collected {
		out = append(out, relay)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelayID < out[j].RelayID })
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt["relay_id"])
	if relayID == "" || entry.Port <= 0 {
		return Relay{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = relayID
	}

	return Relay{
		RelayID:   relayID,
		Name:      name,
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: append(uniqueAddresses(entry.AddrIPv4), uniqueAddresses(entry.AddrIPv6)...),
	}, true
}

func uniqueAddresses(ips []net.IP) []string {
	addresses := make([]string, 0, len(ips))
	seen := make(map[string]struct{})
	for _, ip := range ips {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)
	return addresses
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
