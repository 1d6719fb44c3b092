package events

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestNormalizeRecognizesPayloadShapes(t *testing.T) {
	tests := []struct {
		name          string
		eventName     string
		raw           string
		wantOperation Operation
		wantID        string
		wantRecord    bool
		wantOldRecord bool
	}{
		{
			name:          "broadcast-envelope",
			eventName:     "update",
			raw:           `{"payload":{"record":{"id":"t1","order":2},"old_record":{"id":"t1","order":1}}}`,
			wantOperation: OperationUpdate,
			wantID:        "t1",
			wantRecord:    true,
			wantOldRecord: true,
		},
		{
			name:          "changes-format",
			eventName:     "insert",
			raw:           `{"record":{"id":"q7","title":"Portrait"}}`,
			wantOperation: OperationInsert,
			wantID:        "q7",
			wantRecord:    true,
		},
		{
			name:          "new-old",
			eventName:     "UPDATE",
			raw:           `{"new":{"id":42},"old":{"id":42}}`,
			wantOperation: OperationUpdate,
			wantID:        "42",
			wantRecord:    true,
			wantOldRecord: true,
		},
		{
			name:          "bare-id",
			eventName:     "update",
			raw:           `{"id":"li3"}`,
			wantOperation: OperationUpdate,
			wantID:        "li3",
		},
		{
			name:          "delete-uses-pre-image",
			eventName:     "delete",
			raw:           `{"payload":{"record":null,"old_record":{"id":"t5"}}}`,
			wantOperation: OperationDelete,
			wantID:        "t5",
			wantOldRecord: true,
		},
		{
			name:          "delete-old-format",
			eventName:     "delete",
			raw:           `{"old":{"id":"t6"}}`,
			wantOperation: OperationDelete,
			wantID:        "t6",
			wantOldRecord: true,
		},
		{
			name:          "wildcard-with-type",
			eventName:     EventWildcard,
			raw:           `{"eventType":"INSERT","record":{"id":"n1"}}`,
			wantOperation: OperationInsert,
			wantID:        "n1",
			wantRecord:    true,
		},
		{
			name:          "wildcard-with-nested-type",
			eventName:     EventWildcard,
			raw:           `{"payload":{"type":"delete","old_record":{"id":"n2"}}}`,
			wantOperation: OperationDelete,
			wantID:        "n2",
			wantOldRecord: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := Normalize(tt.eventName, []byte(tt.raw))
			if event.Operation != tt.wantOperation {
				t.Fatalf("operation mismatch: want %s got %s", tt.wantOperation, event.Operation)
			}
			if event.EntityID != tt.wantID {
				t.Fatalf("entity id mismatch: want %q got %q", tt.wantID, event.EntityID)
			}
			if (event.Record != nil) != tt.wantRecord {
				t.Fatalf("record presence mismatch: %s", event.Record)
			}
			if (event.OldRecord != nil) != tt.wantOldRecord {
				t.Fatalf("old record presence mismatch: %s", event.OldRecord)
			}
			if !event.Known() {
				t.Fatalf("expected known event")
			}
		})
	}
}

func TestNormalizePrefersEnvelopeRecord(t *testing.T) {
	event := Normalize("update", []byte(`{"payload":{"record":{"id":"wrapped"}},"record":{"id":"direct"},"id":"bare"}`))
	if event.EntityID != "wrapped" {
		t.Fatalf("expected wrapped record to win, got %q", event.EntityID)
	}
	if gjson.GetBytes(event.Record, "id").String() != "wrapped" {
		t.Fatalf("unexpected record: %s", event.Record)
	}

	event = Normalize("update", []byte(`{"record":{"id":"direct"},"id":"bare"}`))
	if event.EntityID != "direct" {
		t.Fatalf("expected direct record to win, got %q", event.EntityID)
	}
}

func TestNormalizeFallsBackToUnknown(t *testing.T) {
	tests := []struct {
		name      string
		eventName string
		raw       string
	}{
		{name: "empty", eventName: "insert", raw: ""},
		{name: "invalid-json", eventName: "insert", raw: `{"record":`},
		{name: "array", eventName: "insert", raw: `[1,2,3]`},
		{name: "no-identifier", eventName: "update", raw: `{"record":{"title":"x"}}`},
		{name: "wildcard-without-type", eventName: EventWildcard, raw: `{"record":{"id":"t1"}}`},
		{name: "unknown-event", eventName: "truncate", raw: `{"record":{"id":"t1"}}`},
		{name: "null-record", eventName: "insert", raw: `{"record":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := Normalize(tt.eventName, []byte(tt.raw))
			if event.Operation != OperationUnknown {
				t.Fatalf("expected unknown operation, got %s", event.Operation)
			}
			if event.EntityID != "" {
				t.Fatalf("expected no identifier, got %q", event.EntityID)
			}
			if event.Known() {
				t.Fatalf("unknown event must not report known")
			}
		})
	}
}

func TestParseOperation(t *testing.T) {
	if ParseOperation(" Delete ") != OperationDelete {
		t.Fatalf("expected delete")
	}
	if ParseOperation(EventWildcard) != OperationUnknown {
		t.Fatalf("wildcard must not parse as an operation")
	}
}
