// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package service

import (
	"context"

	"github.com/m3os/tilekernel/pkg/errors"
)

// ExchangeWords is the size of the typed argument area a capability
// exchange carries in each direction.
const ExchangeWords = 64

// ExchangeData is the typed argument area sent to the server and returned
// updated in its reply.
type ExchangeData struct {
	Words [ExchangeWords]uint64
	N     int
}

// CapRange is a capability-range descriptor: N consecutive selectors
// starting at Start.
type CapRange struct {
	Start uint64
	Len   uint64
}

// Handler is the server side of the ExchangeSess protocol. The kernel
// invokes it with the session's server-chosen identifier, the direction
// (obtain vs delegate), the client's argument area, and the client's
// capability-range descriptor. The server returns the updated argument
// area and the selector range in its own table: for obtain, the caps it is
// willing to yield; for delegate, where the client's caps should land.
//
// Exchange may block; it runs on the kernel thread handling the syscall,
// which suspends for its duration.
type Handler interface {
	Exchange(ctx context.Context, ident uint64, obtain bool, data ExchangeData, crd CapRange) (ExchangeData, CapRange, error)
}

// SetHandler installs the server-side exchange handler for a registered
// service.
func (r *Registry) SetHandler(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return errors.WithCode(errors.InvArgs, "service %q is not registered", name)
	}
	if r.handlers == nil {
		r.handlers = make(map[string]Handler)
	}
	r.handlers[name] = h
	return nil
}

// HandlerFor resolves the exchange handler registered for name. The second
// return value is false when the service never installed one or has been
// torn down, in which case the client's RPC fails RecvGone.
func (r *Registry) HandlerFor(name string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[name]
	return h, ok
}
