package events

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Operation enumerates the canonical change operations.
type Operation string

const (
	// OperationInsert marks a newly created entity.
	OperationInsert Operation = "insert"
	// OperationUpdate marks a modified entity.
	OperationUpdate Operation = "update"
	// OperationDelete marks a removed entity.
	OperationDelete Operation = "delete"
	// OperationUnknown marks a payload that could not be recognized.
	OperationUnknown Operation = "unknown"
)

// EventWildcard is the event name transports use to deliver every operation.
const EventWildcard = "*"

var (
	recordPaths    = []string{"payload.record", "record", "new"}
	oldRecordPaths = []string{"payload.old_record", "old_record", "old"}
	bareIDPaths    = []string{"id", "payload.id"}
	operationPaths = []string{"eventType", "type", "payload.eventType", "payload.type"}
)

// ChangeEvent is the canonical form of one remote mutation.
type ChangeEvent struct {
	Operation Operation
	EntityID  string
	Record    json.RawMessage
	OldRecord json.RawMessage
}

// Known reports whether the event carries a recognized operation and identifier.
func (e ChangeEvent) Known() bool {
	return e.Operation != OperationUnknown && e.EntityID != ""
}

// ParseOperation maps a transport event name or payload type onto an Operation.
func ParseOperation(value string) Operation {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(OperationInsert):
		return OperationInsert
	case string(OperationUpdate):
		return OperationUpdate
	case string(OperationDelete):
		return OperationDelete
	default:
		return OperationUnknown
	}
}

// Normalize converts a raw broadcast payload into a ChangeEvent. The event name
// decides the operation when it names one; wildcard deliveries fall back to the
// type field carried in the payload. Unrecognized input yields an unknown event
// with no identifier.
func Normalize(eventName string, raw []byte) ChangeEvent {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return unknownEvent()
	}
	document := gjson.ParseBytes(raw)
	if !document.IsObject() {
		return unknownEvent()
	}

	operation := ParseOperation(eventName)
	if operation == OperationUnknown {
		operation = ParseOperation(firstString(document, operationPaths))
	}
	if operation == OperationUnknown {
		return unknownEvent()
	}

	record, recordFound := firstObject(document, recordPaths)
	oldRecord, oldFound := firstObject(document, oldRecordPaths)

	event := ChangeEvent{Operation: operation}
	if recordFound {
		event.Record = json.RawMessage(record.Raw)
	}
	if oldFound {
		event.OldRecord = json.RawMessage(oldRecord.Raw)
	}

	if operation == OperationDelete {
		event.EntityID = resolveIdentifier(document, oldRecord, oldFound)
		if event.EntityID == "" {
			event.EntityID = resolveIdentifier(document, record, recordFound)
		}
	} else {
		event.EntityID = resolveIdentifier(document, record, recordFound)
	}

	if event.EntityID == "" {
		return unknownEvent()
	}
	return event
}

func unknownEvent() ChangeEvent {
	return ChangeEvent{Operation: OperationUnknown}
}

func resolveIdentifier(document, image gjson.Result, found bool) string {
	if found {
		if id := identifierOf(image.Get("id")); id != "" {
			return id
		}
	}
	for _, path := range bareIDPaths {
		if id := identifierOf(document.Get(path)); id != "" {
			return id
		}
	}
	return ""
}

func identifierOf(value gjson.Result) string {
	switch value.Type {
	case gjson.String, gjson.Number:
		return strings.TrimSpace(value.String())
	default:
		return ""
	}
}

func firstObject(document gjson.Result, paths []string) (gjson.Result, bool) {
	for _, path := range paths {
		value := document.Get(path)
		if value.IsObject() {
			return value, true
		}
	}
	return gjson.Result{}, false
}

func firstString(document gjson.Result, paths []string) string {
	for _, path := range paths {
		value := document.Get(path)
		if value.Type == gjson.String && value.String() != "" {
			return value.String()
		}
	}
	return ""
}
