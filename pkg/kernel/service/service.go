// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package service implements the Serv/Sess kernel objects and the
// capability-exchange protocol (ExchangeSess, GetSession).
package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/capability"
)

func timeNow() time.Time { return time.Now() }

// Registry is the kernel-global name -> Serv table; service names are
// unique.
type Registry struct {
	mu       sync.Mutex
	byName   map[string]*capability.Capability
	handlers map[string]Handler
	nextCID  uint64
	nextSess uint64
}

func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]*capability.Capability), nextCID: 1, nextSess: 1}
	return r
}

// nextCreatorID mints a fresh, globally unique creator id, used both for
// the root Serv cap and for every derived Serv cap; a Sess cap records the
// creator id of the Serv cap it was created under, so session ownership
// can be traced.
func (r *Registry) nextCreatorID() uint64 {
	return atomic.AddUint64(&r.nextCID, 1)
}

// NextCreatorID is the exported form of nextCreatorID, used by the
// DeriveSrv syscall handler to mint a creator id for a freshly derived
// service capability.
func (r *Registry) NextCreatorID() uint64 {
	return r.nextCreatorID()
}

// nextIdent mints a server-chosen session identifier unique within this
// kernel instance.
func (r *Registry) nextIdent() uint64 {
	return atomic.AddUint64(&r.nextSess, 1)
}

// CreateSrv registers a new root service at name bound to rgate, owned by
// owner. Fails Exists if the name is already registered.
func (r *Registry) CreateSrv(name string, owner capability.ActivityRef, rgate *capability.RGateObject, table *capability.CapTable, sel uint64) (*capability.Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return nil, errors.WithCode(errors.Exists, "service %q already registered", name)
	}
	obj := &capability.ServObject{Owner: owner, Name: name, RGate: rgate, CreatorID: r.nextCreatorID(), IsRoot: true}
	cap, err := table.InsertRoot(sel, 1, obj, timeNow())
	if err != nil {
		return nil, err
	}
	r.byName[name] = cap
	return cap, nil
}

// Lookup resolves a registered service name to its root capability.
func (r *Registry) Lookup(name string) (*capability.Capability, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byName[name]
	return c, ok
}

// Unregister drops name and its exchange handler from the table, called
// when the root Serv capability is revoked.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
	delete(r.handlers, name)
}

// CreateSess creates a new session capability as a child of srv (which
// must wrap a ServObject), recording the caller's creator id and minting a
// fresh server-side identifier for GetSession to resolve later.
func (r *Registry) CreateSess(srv *capability.Capability, callerCreatorID uint64, table *capability.CapTable, sel uint64) (*capability.Capability, uint64, error) {
	so, err := capability.AsKind[*capability.ServObject](srv.Obj)
	if err != nil {
		return nil, 0, err
	}
	ident := r.nextIdent()
	obj := &capability.SessObject{Service: so, CreatorID: callerCreatorID, Ident: ident}
	c, err := table.InsertChild(sel, 1, obj, srv, timeNow())
	if err != nil {
		return nil, 0, err
	}
	return c, ident, nil
}

// GetSession walks srv's child subtree looking for a session whose
// server-chosen identifier matches ident, verifying the caller's creator
// id matches the session's, then obtains it into dst (as a child of the
// service cap).
func GetSession(srv *capability.Capability, ident uint64, callerCreatorID uint64, dst *capability.CapTable, dstSel uint64) (*capability.Capability, error) {
	found := findSession(srv, ident)
	if found == nil {
		return nil, errors.WithCode(errors.NotFound, "no session with ident %d under this service", ident)
	}
	so, ok := found.Obj.(*capability.SessObject)
	if !ok {
		return nil, errors.WithCode(errors.InvArgs, "capability is not a session")
	}
	if so.CreatorID != callerCreatorID {
		return nil, errors.WithCode(errors.NoPerm, "creator id mismatch: session belongs to a different service derivation")
	}
	return dst.InsertChild(dstSel, 1, so, srv, timeNow())
}

func findSession(srv *capability.Capability, ident uint64) *capability.Capability {
	for c := srv.Child; c != nil; c = c.Next {
		if so, ok := c.Obj.(*capability.SessObject); ok && so.Ident == ident {
			return c
		}
		if found := findSession(c, ident); found != nil {
			return found
		}
	}
	return nil
}
