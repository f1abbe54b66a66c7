// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets holds upstream API keys in locked memory.
//
// Keys are resolved from the environment once at startup and kept in
// mlocked buffers so they cannot be swapped to disk. Systems without
// sufficient mlock limits can opt into plain memory with
// STRAIT_INSECURE_MEMORY=true.
package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	//
	// Each stored key occupies a few pages (data plus guard pages), so
	// 64 KB covers a dozen backends with room to spare.
	MinMlockLimitKB = 64

	// insecureMemoryEnv acknowledges running without mlocked memory.
	insecureMemoryEnv = "STRAIT_INSECURE_MEMORY"
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient is set during initialization to indicate if secure memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the current mlock limit for logging.
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// Vault defines the contract for storing upstream credentials.
//
// # Description
//
// Vault abstracts credential storage, allowing secure (mlocked) and
// insecure (plain memory) implementations based on system capabilities.
// Keys are addressed by the backend prefix that owns them.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Security
//
// Implementations should support wiping all stored material on shutdown.
//
// # Examples
//
//	vault, err := secrets.NewVault()
//	if err != nil {
//	    return err
//	}
//	defer vault.Destroy()
//
//	vault.Store("fast", os.Getenv("FAST_API_KEY"))
//	key, ok := vault.Get("fast")
type Vault interface {
	// Store saves a secret under name, replacing any previous value.
	// Empty secrets are rejected.
	Store(name, secret string) error

	// Get returns a copy of the secret for name. The second return is
	// false when no secret is stored under that name.
	Get(name string) (string, bool)

	// Forget wipes and removes the secret for name. Removing an absent
	// name is a no-op.
	Forget(name string)

	// Names returns the stored key names in sorted order.
	Names() []string

	// Len returns the number of stored secrets.
	Len() int

	// Destroy wipes every stored secret. The vault is unusable afterward.
	// Safe to call multiple times.
	Destroy()
}

// =============================================================================
// Structs
// =============================================================================

// secureVault keeps each secret in its own memguard LockedBuffer.
//
// # Description
//
// Memory protections include:
//   - Locked (mlock) to prevent swapping to disk
//   - Guard pages to detect buffer overflows
//   - Canary values to detect buffer underflows
//   - Explicit zeroing on Forget() and Destroy()
//
// # Thread Safety
//
// Safe for concurrent use. Uses a mutex to protect the key map.
type secureVault struct {
	mu        sync.RWMutex
	keys      map[string]*memguard.LockedBuffer
	destroyed bool
}

// insecureVault is a fallback for systems without sufficient mlock.
//
// # Description
//
// Provides the same interface as secureVault but uses standard Go memory.
// Used when mlock limits are insufficient and STRAIT_INSECURE_MEMORY=true
// is set.
//
// # Security Warning
//
// This implementation does NOT provide the guarantees of the secure
// version. Key material may be swapped to disk.
//
// # Thread Safety
//
// Safe for concurrent use.
type insecureVault struct {
	mu        sync.RWMutex
	keys      map[string][]byte
	destroyed bool
}

// =============================================================================
// Constructor Functions
// =============================================================================

// NewVault creates a credential vault.
//
// # Description
//
// Returns a secure vault when the system's mlock limit allows it. If the
// limit is insufficient and STRAIT_INSECURE_MEMORY=true is set, falls
// back to plain memory with a warning; otherwise returns an error.
//
// # Outputs
//
//   - Vault: Ready for use (may be secure or insecure based on system)
//   - error: Non-nil if secure memory is unavailable and no fallback allowed
func NewVault() (Vault, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	return &secureVault{keys: make(map[string]*memguard.LockedBuffer)}, nil
}

// newInsecureVault creates a plain-memory fallback vault.
func newInsecureVault() Vault {
	slog.Warn("Created INSECURE key vault - credentials may be swapped to disk")
	return &insecureVault{keys: make(map[string][]byte)}
}

// =============================================================================
// secureVault Methods
// =============================================================================

// Store saves a secret in a fresh locked buffer. The previous buffer for
// the same name is wiped before being replaced.
func (v *secureVault) Store(name, secret string) error {
	if secret == "" {
		return fmt.Errorf("refusing to store empty secret for %q", name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.destroyed {
		return fmt.Errorf("vault already destroyed")
	}

	// NewBufferFromBytes wipes the source slice after copying.
	buf := memguard.NewBufferFromBytes([]byte(secret))
	if old, ok := v.keys[name]; ok {
		old.Destroy()
	}
	v.keys[name] = buf

	slog.Debug("Stored credential in secure vault", "name", name)
	return nil
}

// Get returns a copy of the secret. The copy lives in ordinary memory;
// callers hand it to an HTTP header and drop it.
func (v *secureVault) Get(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.destroyed {
		return "", false
	}

	buf, ok := v.keys[name]
	if !ok {
		return "", false
	}
	return string(buf.Bytes()), true
}

func (v *secureVault) Forget(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if buf, ok := v.keys[name]; ok {
		buf.Destroy()
		delete(v.keys, name)
	}
}

func (v *secureVault) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	names := make([]string, 0, len(v.keys))
	for name := range v.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (v *secureVault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys)
}

func (v *secureVault) Destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.destroyed {
		return
	}

	for name, buf := range v.keys {
		buf.Destroy()
		delete(v.keys, name)
	}
	v.destroyed = true

	slog.Debug("Destroyed secure key vault")
}

// =============================================================================
// insecureVault Methods
// =============================================================================

func (v *insecureVault) Store(name, secret string) error {
	if secret == "" {
		return fmt.Errorf("refusing to store empty secret for %q", name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.destroyed {
		return fmt.Errorf("vault already destroyed")
	}

	if old, ok := v.keys[name]; ok {
		wipeBytes(old)
	}
	v.keys[name] = []byte(secret)
	return nil
}

func (v *insecureVault) Get(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.destroyed {
		return "", false
	}

	data, ok := v.keys[name]
	if !ok {
		return "", false
	}
	return string(data), true
}

func (v *insecureVault) Forget(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if data, ok := v.keys[name]; ok {
		wipeBytes(data)
		delete(v.keys, name)
	}
}

func (v *insecureVault) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	names := make([]string, 0, len(v.keys))
	for name := range v.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (v *insecureVault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys)
}

func (v *insecureVault) Destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.destroyed {
		return
	}

	for name, data := range v.keys {
		wipeBytes(data)
		delete(v.keys, name)
	}
	v.destroyed = true
}

// wipeBytes zeros a byte slice (best effort).
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// =============================================================================
// Package Initialization Functions
// =============================================================================

// initMemguard initializes the memguard library and checks mlock limits.
// Only initializes once; subsequent calls are no-ops.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit checks if the system has sufficient mlock limits.
//
// # Outputs
//
//   - bool: True if limit is sufficient (>= MinMlockLimitKB)
//   - int64: Current limit in kilobytes (-1 if unlimited)
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// logMlockStatus logs the current mlock status.
func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"status", "sufficient",
		)
		return
	}

	if os.Getenv(insecureMemoryEnv) == "true" {
		slog.Warn("SECURITY: Running with insecure memory - mlock limit insufficient",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", insecureMemoryEnv+"=true",
		)
	} else {
		slog.Error("mlock limit insufficient for secure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "Raise RLIMIT_MEMLOCK or set "+insecureMemoryEnv+"=true",
		)
	}
}

// handleInsufficientMlock handles the case when mlock limits are insufficient.
func handleInsufficientMlock() (Vault, error) {
	if os.Getenv(insecureMemoryEnv) == "true" {
		slog.Warn("Using insecure key vault due to mlock limits",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return newInsecureVault(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Raise RLIMIT_MEMLOCK or set %s=true",
		currentMlockLimitKB, MinMlockLimitKB, insecureMemoryEnv,
	)
}

// =============================================================================
// Utility Functions
// =============================================================================

// IsMlockAvailable returns whether secure memory is available on this system.
//
// # Outputs
//
//   - bool: True if secure memory is available
//   - int64: Current mlock limit in KB (-1 if unlimited)
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory.
//
// Should be called during graceful shutdown. This is automatically
// triggered on SIGINT/SIGTERM once memguard.CatchInterrupt() has run.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
