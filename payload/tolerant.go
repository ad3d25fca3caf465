package payload

import (
	"strings"

	gojsonq "gopkg.in/thedevsaddam/gojsonq.v2"
)

// timestampSynonyms lists the field names upstream versions have used for a
// record's last-update time, in priority order.
var timestampSynonyms = []string{
	"lastUpdated",
	"last_updated",
	"updated_at",
	"updatedAt",
	"timestamp",
	"lastModified",
}

// FirstTimestamp probes the raw response for the first populated
// last-updated field. The literal "Never" counts as unpopulated.
func FirstTimestamp(raw []byte) (string, bool) {
	return FirstString(raw, timestampSynonyms...)
}

// FirstString returns the first of the candidate fields holding a non-empty
// scalar, stringified. This is the single place where the upstream's
// field-name drift is absorbed; callers never probe alternatives inline.
func FirstString(raw []byte, keys ...string) (string, bool) {
	for _, key := range keys {
		v := gojsonq.New().FromString(string(raw)).Find(key)
		if s := asString(v); s != "" && s != "Never" {
			return s, true
		}
	}
	return "", false
}

// Bool reads a boolean field; the second return tells whether the field was
// present as a boolean at all.
func Bool(raw []byte, key string) (value, present bool) {
	v := gojsonq.New().FromString(string(raw)).Find(key)
	b, ok := v.(bool)
	return b, ok
}

// UpdateVerdict is the classified result of an update response body.
// Compatibility marks the false-negative shape: an explicit failure flag
// paired with a message that still reads as success. The upstream has been
// observed emitting this; callers log it as a known contract defect.
type UpdateVerdict struct {
	Success       bool
	Compatibility bool
	Message       string
}

var successWords = []string{"success", "updated", "saved", "completed"}

// ClassifyUpdate decides whether an update response body reports success.
// The upstream contract is not uniform across versions, so the check is
// deliberately tolerant: an explicit success flag, a status string of
// "success", an updated flag, or a success-indicating message all count.
// This is a compatibility shim for a drifting upstream, not a protocol to
// extend.
func ClassifyUpdate(raw []byte) UpdateVerdict {
	msg, _ := FirstString(raw, "message", "msg")
	verdict := UpdateVerdict{Message: msg}
	lower := strings.ToLower(msg)

	if flag, present := Bool(raw, "success"); present {
		if flag {
			verdict.Success = true
			return verdict
		}
		// Explicit failure flag: honor it unless the message contradicts it.
		for _, w := range successWords {
			if strings.Contains(lower, w) {
				verdict.Success = true
				verdict.Compatibility = true
				return verdict
			}
		}
		return verdict
	}

	if status, _ := FirstString(raw, "status"); strings.EqualFold(status, "success") {
		verdict.Success = true
		return verdict
	}
	if updated, present := Bool(raw, "updated"); present && updated {
		verdict.Success = true
		return verdict
	}
	if strings.Contains(lower, "success") || strings.Contains(lower, "updated") {
		verdict.Success = true
		return verdict
	}
	return verdict
}
