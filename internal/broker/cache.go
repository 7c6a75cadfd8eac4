package broker

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

func cacheKey(command, alias, configDir string) string {
	return command + ":" + alias + ":" + configDir
}

// clientCache pools long-lived stdio clients keyed by
// (command, alias, configDir). Creation is single-flighted per key so N
// concurrent misses spawn exactly one subprocess; eviction shuts the
// subprocess down before the key can be re-created. The cache mutex is never
// held across subprocess I/O.
type clientCache struct {
	mu      sync.Mutex
	clients map[string]*stdioClient
	group   singleflight.Group
}

func newClientCache() *clientCache {
	return &clientCache{clients: map[string]*stdioClient{}}
}

func (c *clientCache) getOrCreate(ctx context.Context, key string, spawn func(context.Context) (*stdioClient, error)) (*stdioClient, error) {
	c.mu.Lock()
	if client, ok := c.clients[key]; ok {
		c.mu.Unlock()
		return client, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Double-check under the flight: another caller may have stored the
		// client between our miss and this closure running.
		c.mu.Lock()
		if client, ok := c.clients[key]; ok {
			c.mu.Unlock()
			return client, nil
		}
		c.mu.Unlock()

		client, err := spawn(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.clients[key] = client
		c.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*stdioClient), nil
}

// remove evicts and shuts down the entry; shutdown errors are warnings.
func (c *clientCache) remove(key string) {
	c.mu.Lock()
	client, ok := c.clients[key]
	delete(c.clients, key)
	c.mu.Unlock()
	c.group.Forget(key)

	if ok {
		if err := client.close(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("stdio_client_shutdown_warning")
		}
	}
}

// closeAll releases every entry.
func (c *clientCache) closeAll() {
	c.mu.Lock()
	clients := c.clients
	c.clients = map[string]*stdioClient{}
	c.mu.Unlock()

	for key, client := range clients {
		c.group.Forget(key)
		if err := client.close(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("stdio_client_shutdown_warning")
		}
	}
	if len(clients) > 0 {
		log.Info().Int("count", len(clients)).Msg("stdio_clients_closed")
	}
}

// size reports the number of live entries.
func (c *clientCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}
