// Package memory indexes per-agent markdown content and session transcripts
// and provides hybrid semantic+keyword search over them.
//
// Invariants:
// - Indexed chunks remain consistent with file content hashes.
// - A full reindex swaps the on-disk index atomically; readers never observe
//   a half-built index.
// - Search combines keyword and vector retrieval when both are available and
//   degrades to whichever side is usable.
// - Sync/search operations emit tracing spans and metrics.
//
// Usage:
//
//	mgr, _ := memory.GetManager(memory.ManagerConfig{
//		AgentID:      "main",
//		WorkspaceDir: "/workspace",
//		Memory:       cfg.Memory,
//	})
//	defer mgr.Close()
//	_ = mgr.Sync(memory.SyncOptions{Force: true})
//	results, _ := mgr.Search(context.Background(), "query", nil)
//	_ = results
package memory
