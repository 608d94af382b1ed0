// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tilemuxd

import (
	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
	"github.com/m3os/tilekernel/pkg/kernel/tilemux"
)

// QuotaState is the reply to a GetQuota sidecall: the remaining timeslice
// weight behind each of the two opaque ids.
type QuotaState struct {
	TimeSlices uint64
	PTSlices   uint64
}

// deriveQuotaLocked splits fresh (time, pt) quota ids off the pair named
// in args, transferring half the parent's remaining slices to each child.
// The ids stay opaque to the kernel, which only forwards
// derive/get/set/remove requests.
func (m *Mux) deriveQuotaLocked(args tilemux.QuotaArgs) (any, error) {
	parentTime, ok := m.quotas[args.Time]
	if !ok {
		return nil, errors.WithCode(errors.InvArgs, "unknown time quota %d", args.Time)
	}
	parentPT, ok := m.quotas[args.PT]
	if !ok {
		return nil, errors.WithCode(errors.InvArgs, "unknown page-table quota %d", args.PT)
	}

	timeShare := parentTime.slices / 2
	ptShare := parentPT.slices / 2
	if timeShare == 0 || ptShare == 0 {
		return nil, errors.WithCode(errors.NoSpace, "quota pair (%d,%d) has nothing left to derive", args.Time, args.PT)
	}
	parentTime.slices -= timeShare
	parentPT.slices -= ptShare

	childTime := m.nextQuota
	m.quotas[childTime] = &schedQuota{slices: timeShare, parent: args.Time}
	m.nextQuota++
	childPT := m.nextQuota
	m.quotas[childPT] = &schedQuota{slices: ptShare, parent: args.PT}
	m.nextQuota++

	return [2]quota.QuotaId{childTime, childPT}, nil
}

func (m *Mux) getQuotaLocked(args tilemux.QuotaArgs) (any, error) {
	t, ok := m.quotas[args.Time]
	if !ok {
		return nil, errors.WithCode(errors.InvArgs, "unknown time quota %d", args.Time)
	}
	pt, ok := m.quotas[args.PT]
	if !ok {
		return nil, errors.WithCode(errors.InvArgs, "unknown page-table quota %d", args.PT)
	}
	return QuotaState{TimeSlices: t.slices, PTSlices: pt.slices}, nil
}

func (m *Mux) setQuotaLocked(args tilemux.SetQuotaArgs) error {
	slices, ok := args.Val.(uint64)
	if !ok {
		return errors.WithCode(errors.InvArgs, "SetQuota value must be a slice count")
	}
	t, ok := m.quotas[args.Time]
	if !ok {
		return errors.WithCode(errors.InvArgs, "unknown time quota %d", args.Time)
	}
	t.slices = slices
	if pt, ok := m.quotas[args.PT]; ok {
		pt.slices = slices
	}
	return nil
}

// removeQuotasLocked returns a derived pair's remaining slices to their
// parents and forgets the ids.
func (m *Mux) removeQuotasLocked(args tilemux.QuotaArgs) {
	for _, id := range []quota.QuotaId{args.Time, args.PT} {
		q, ok := m.quotas[id]
		if !ok {
			continue
		}
		if parent, ok := m.quotas[q.parent]; ok && q.parent != 0 {
			parent.slices += q.slices
		}
		delete(m.quotas, id)
	}
}
