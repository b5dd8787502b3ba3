package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"kuno/models"
)

// Browse runs one mDNS scan bounded by the config's ScanTimeout and returns
// the storage nodes that answered, sorted by node ID.
func Browse(ctx context.Context, config Config) ([]models.Backend, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.Backend)
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
				backend, ok := parseEntry(entry)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[backend.ID] = backend
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	// The scan window ending is the normal way out; only a parent cancel is an error.
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]models.Backend, 0, len(collected))
	for _, backend := range collected {
		out = append(out, backend)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MergeBackends appends discovered nodes to the static list, skipping any
// whose ID or URL is already configured.
func MergeBackends(static, discovered []models.Backend) []models.Backend {
	out := append([]models.Backend(nil), static...)
	ids := make(map[string]struct{}, len(out))
	urls := make(map[string]struct{}, len(out))
	for _, backend := range out {
		ids[backend.ID] = struct{}{}
		urls[strings.TrimRight(backend.URL, "/")] = struct{}{}
	}
	for _, backend := range discovered {
		if _, exists := ids[backend.ID]; exists {
			continue
		}
		if _, exists := urls[strings.TrimRight(backend.URL, "/")]; exists {
			continue
		}
		ids[backend.ID] = struct{}{}
		urls[strings.TrimRight(backend.URL, "/")] = struct{}{}
		out = append(out, backend)
	}
	return out
}

func parseEntry(entry *zeroconf.ServiceEntry) (models.Backend, bool) {
	txt := txtToMap(entry.Text)

	nodeID := strings.TrimSpace(txt["node_id"])
	if nodeID == "" || entry.Port <= 0 {
		return models.Backend{}, false
	}

	host := ""
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip != nil && !ip.IsUnspecified() {
			host = ip.String()
			break
		}
	}
	if host == "" {
		host = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	if host == "" {
		return models.Backend{}, false
	}

	return models.Backend{
		ID:  nodeID,
		URL: "http://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)),
	}, true
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
