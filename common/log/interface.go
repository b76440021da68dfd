// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package log

import (
	"github.com/inventorypulse/pulseflow/common/log/tag"
)

// Logger is our abstraction for logging
// Usage examples:
//
//	 1) logger = logger.WithTags(
//	         tag.WorkflowType("supplier-sync"),
//	         tag.InstanceId("abc-123"))
//	    logger.Info("history appended")
//	 2) logger.Info("history appended",
//	         tag.WorkflowType("supplier-sync"),
//	         tag.InstanceId("abc-123"))
//
//	 Note: msg should be static, it is not recommended to use fmt.Sprintf() for msg.
//	       Anything dynamic should be tagged.
type Logger interface {
	Debug(msg string, tags ...tag.Tag)
	Info(msg string, tags ...tag.Tag)
	Warn(msg string, tags ...tag.Tag)
	Error(msg string, tags ...tag.Tag)
	Fatal(msg string, tags ...tag.Tag)
	WithTags(tags ...tag.Tag) Logger
}
