// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package quota implements kernel-memory, endpoint, page-table, and
// CPU-time quotas.
package quota

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/m3os/tilekernel/pkg/errors"
)

// KMem tracks a kernel-memory budget shared by every capability charged
// against it. Deriving a child KMem transfers a fixed amount from the
// parent to the child.
type KMem struct {
	mu    sync.Mutex
	quota uint64
	left  uint64
	log   logr.Logger
}

// NewKMem creates a root KMem quota of size quota bytes.
func NewKMem(quotaBytes uint64, log logr.Logger) *KMem {
	return &KMem{quota: quotaBytes, left: quotaBytes, log: log}
}

func (k *KMem) Quota() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.quota
}

func (k *KMem) Left() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.left
}

// Alloc debits n bytes, failing NoSpace if the quota is exhausted.
func (k *KMem) Alloc(n uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if n > k.left {
		return errors.WithCode(errors.NoSpace, "kmem quota exhausted: need %d, have %d", n, k.left)
	}
	k.left -= n
	k.log.V(1).Info("kmem alloc", "bytes", n, "left", k.left)
	return nil
}

// Free credits n bytes back to the quota.
func (k *KMem) Free(n uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.left += n
	if k.left > k.quota {
		k.left = k.quota
	}
	k.log.V(1).Info("kmem free", "bytes", n, "left", k.left)
}

// CanRevoke reports whether this KMem's capability may be revoked: only
// once every byte charged against it has been freed.
func (k *KMem) CanRevoke() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.left == k.quota
}

// DeriveChild creates a child KMem quota of size n, transferring n bytes
// from the parent's remaining budget. Fails NoSpace if the parent does not
// have n bytes free.
func (k *KMem) DeriveChild(n uint64) (*KMem, error) {
	if err := k.Alloc(n); err != nil {
		return nil, err
	}
	return NewKMem(n, k.log), nil
}
