package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// Process-wide manager cache: populated on first get, evicted on Close.
var (
	indexCacheMu sync.Mutex
	indexCache   = make(map[string]*Manager)
)

// settingsHash fingerprints the memory configuration for the cache key.
func settingsHash(cfg any) string {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "invalid"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

func cacheKeyFor(cfg ManagerConfig) string {
	return cfg.AgentID + "|" + cfg.WorkspaceDir + "|" + settingsHash(cfg.Memory)
}

// GetManager returns the cached manager for (agent, workspace, settings),
// creating it on first use. Re-entry returns the same instance.
func GetManager(cfg ManagerConfig) (*Manager, error) {
	key := cacheKeyFor(cfg)

	indexCacheMu.Lock()
	defer indexCacheMu.Unlock()

	if m, ok := indexCache[key]; ok {
		return m, nil
	}

	m, err := NewManager(cfg)
	if err != nil {
		return nil, err
	}
	m.cacheKey = key
	indexCache[key] = m
	return m, nil
}

// removeFromIndexCache drops a manager's cache entry. Called synchronously
// from Close before the store is released.
func removeFromIndexCache(key string) {
	indexCacheMu.Lock()
	delete(indexCache, key)
	indexCacheMu.Unlock()
}
