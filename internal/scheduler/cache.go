package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"maremma/internal/database"
)

// inventoryCache is a read-through cache of hosts and services keyed by
// UUID. Reconciliation invalidates it wholesale.
type inventoryCache struct {
	store    *database.Store
	mu       sync.RWMutex
	hosts    map[uuid.UUID]*database.Host
	services map[uuid.UUID]*database.Service
}

func newInventoryCache(store *database.Store) *inventoryCache {
	return &inventoryCache{
		store:    store,
		hosts:    map[uuid.UUID]*database.Host{},
		services: map[uuid.UUID]*database.Service{},
	}
}

func (c *inventoryCache) resolve(ctx context.Context, hostID, serviceID uuid.UUID) (*database.Host, *database.Service, error) {
	c.mu.RLock()
	host := c.hosts[hostID]
	svc := c.services[serviceID]
	c.mu.RUnlock()

	if host == nil {
		var err error
		host, err = c.store.HostByID(ctx, hostID)
		if err != nil {
			return nil, nil, fmt.Errorf("host %s: %w", hostID, err)
		}
		c.mu.Lock()
		c.hosts[hostID] = host
		c.mu.Unlock()
	}
	if svc == nil {
		var err error
		svc, err = c.store.ServiceByID(ctx, serviceID)
		if err != nil {
			return nil, nil, fmt.Errorf("service %s: %w", serviceID, err)
		}
		c.mu.Lock()
		c.services[serviceID] = svc
		c.mu.Unlock()
	}
	return host, svc, nil
}

func (c *inventoryCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts = map[uuid.UUID]*database.Host{}
	c.services = map[uuid.UUID]*database.Service{}
}
