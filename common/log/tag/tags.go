// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package tag

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const LoggingCallAtKey = "logging-call-at"

// Tag is the interface for logging system
type Tag struct {
	// keep this field private
	field zap.Field
}

// Field returns a zap field
func (t *Tag) Field() zap.Field {
	return t.field
}

func newStringTag(key string, value string) Tag {
	return Tag{
		field: zap.String(key, value),
	}
}

func newInt64(key string, value int64) Tag {
	return Tag{
		field: zap.Int64(key, value),
	}
}

func newInt(key string, value int) Tag {
	return Tag{
		field: zap.Int(key, value),
	}
}

func newTimeTag(key string, value time.Time) Tag {
	return Tag{
		field: zap.Time(key, value),
	}
}

func newObjectTag(key string, value interface{}) Tag {
	return Tag{
		field: zap.String(key, fmt.Sprintf("%v", value)),
	}
}

func newErrorTag(key string, value error) Tag {
	//NOTE zap already chosen "error" as key
	return Tag{
		field: zap.Error(value),
	}
}

// TAGS

func Error(err error) Tag {
	return newErrorTag("error", err)
}

func Service(sv string) Tag {
	return newStringTag("service", sv)
}

func Message(msg string) Tag {
	return newStringTag("message", msg)
}

func WorkflowType(wt string) Tag {
	return newStringTag("workflowType", wt)
}

func WorkflowVersion(v int32) Tag {
	return newInt64("workflowVersion", int64(v))
}

func InstanceId(id string) Tag {
	return newStringTag("instanceId", id)
}

func StepId(id string) Tag {
	return newStringTag("stepId", id)
}

func ActivityType(at string) Tag {
	return newStringTag("activityType", at)
}

func ActivityTaskId(id string) Tag {
	return newStringTag("activityTaskId", id)
}

func Attempt(n int32) Tag {
	return newInt64("attempt", int64(n))
}

func Queue(q string) Tag {
	return newStringTag("queue", q)
}

func SignalName(name string) Tag {
	return newStringTag("signalName", name)
}

func TimerId(id string) Tag {
	return newStringTag("timerId", id)
}

func TriggerName(name string) Tag {
	return newStringTag("triggerName", name)
}

func SequenceNo(seq int64) Tag {
	return newInt64("sequenceNo", seq)
}

func FireTime(t time.Time) Tag {
	return newTimeTag("fireTime", t)
}

func StatusCode(status int) Tag {
	return newInt("status", status)
}

func Value(v interface{}) Tag {
	return newObjectTag("value", v)
}

func DefaultValue(v interface{}) Tag {
	return newObjectTag("default-value", v)
}

func AnyToStr(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
