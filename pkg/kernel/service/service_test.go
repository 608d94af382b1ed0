// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package service

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/capability"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
)

type actRef uint64

func (a actRef) ID() uint64 { return uint64(a) }

func newTable(t *testing.T) *capability.CapTable {
	t.Helper()
	return capability.NewCapTable(1, quota.NewKMem(1<<20, logr.Discard()))
}

func TestCreateSrvAndLookup(t *testing.T) {
	r := NewRegistry()
	tbl := newTable(t)
	rg := &capability.RGateObject{Order: 8, MsgOrder: 6, Activated: true}

	srv, err := r.CreateSrv("fs", actRef(1), rg, tbl, 5)
	require.NoError(t, err)
	assert.True(t, srv.Obj.(*capability.ServObject).IsRoot)

	got, ok := r.Lookup("fs")
	require.True(t, ok)
	assert.Same(t, srv, got)

	_, err = r.CreateSrv("fs", actRef(1), rg, tbl, 6)
	assert.True(t, kerrors.HasCode(err, kerrors.Exists))

	r.Unregister("fs")
	_, ok = r.Lookup("fs")
	assert.False(t, ok)
}

func TestSetHandlerRequiresRegisteredService(t *testing.T) {
	r := NewRegistry()
	err := r.SetHandler("ghost", nil)
	assert.True(t, kerrors.HasCode(err, kerrors.InvArgs))
}

func TestSessionsAreChildrenOfTheService(t *testing.T) {
	r := NewRegistry()
	tbl := newTable(t)
	rg := &capability.RGateObject{Order: 8, MsgOrder: 6, Activated: true}
	srv, err := r.CreateSrv("net", actRef(1), rg, tbl, 5)
	require.NoError(t, err)
	creator := srv.Obj.(*capability.ServObject).CreatorID

	sess, ident, err := r.CreateSess(srv, creator, tbl, 6)
	require.NoError(t, err)
	assert.Same(t, srv, sess.Parent)
	assert.NotZero(t, ident)

	// GetSession obtains the session into another activity's table, with
	// the service side as parent.
	dst := newTable(t)
	got, err := GetSession(srv, ident, creator, dst, 3)
	require.NoError(t, err)
	assert.Same(t, srv, got.Parent)
	assert.True(t, got.Derived)

	_, err = GetSession(srv, ident, creator+1, dst, 4)
	assert.True(t, kerrors.HasCode(err, kerrors.NoPerm))

	_, err = GetSession(srv, ident+99, creator, dst, 4)
	assert.True(t, kerrors.HasCode(err, kerrors.NotFound))
}
