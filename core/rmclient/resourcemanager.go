package rmclient

import (
	"sync"

	"github.com/sorafune/tandem/core/model"
)

// ResourceCache is a map-backed model.ResourceManager for participants whose
// branch logic lives elsewhere. Concrete resource managers embed it and add
// their branch commit/rollback behavior on top.
type ResourceCache struct {
	mu         sync.RWMutex
	branchType model.BranchType
	resources  map[string]model.Resource
}

// NewResourceCache creates an empty cache for one branch protocol.
func NewResourceCache(branchType model.BranchType) *ResourceCache {
	return &ResourceCache{
		branchType: branchType,
		resources:  make(map[string]model.Resource),
	}
}

// ManagedResources returns a snapshot of the managed set.
func (c *ResourceCache) ManagedResources() map[string]model.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]model.Resource, len(c.resources))
	for id, r := range c.resources {
		out[id] = r
	}
	return out
}

// RegisterResource starts managing r locally.
func (c *ResourceCache) RegisterResource(r model.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[r.ResourceID()] = r
}

// UnregisterResource stops managing the resource.
func (c *ResourceCache) UnregisterResource(resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resources, resourceID)
}

// BranchType is the branch protocol this manager implements.
func (c *ResourceCache) BranchType() model.BranchType {
	return c.branchType
}
