// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tilemux

import "context"

// ExitHandler is the kernel hook invoked for the single upcall TileMux
// Core ever sends: Exit(activity_id, status). Implemented by the kernel's
// activity-lifecycle glue so that it can drive the teardown path.
type ExitHandler interface {
	OnExit(ctx context.Context, activityID uint64, status int32) error
}

// HandleExit dispatches one Exit upcall received from this tile's TileMux
// Core.
func (c *Channel) HandleExit(ctx context.Context, h ExitHandler, activityID uint64, status int32) error {
	c.log.V(1).Info("exit upcall", "activity", activityID, "status", status)
	c.RemoveResident(activityID)
	return h.OnExit(ctx, activityID, status)
}
