package models

import (
	"reflect"
	"strings"
	"testing"
)

func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	if got := f.Type.String(); got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestRoom_Fields(t *testing.T) {
	typ := reflect.TypeOf(Room{})
	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Status", "default:active")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "Settings", "type:text")
	assertGormTag(t, typ, "SettingsVersion", "default:1")
}

func TestWorker_Fields(t *testing.T) {
	typ := reflect.TypeOf(Worker{})
	assertGormTag(t, typ, "RoomID", "index")
	assertGormTag(t, typ, "AgentState", "default:idle")
	assertGormTag(t, typ, "CanVote", "default:true")
	assertFieldType(t, typ, "WIP", "*string")
	assertFieldType(t, typ, "BackoffUntil", "*time.Time")
	assertFieldType(t, typ, "LastCycleEndedAt", "*time.Time")
}

func TestCycleLog_SequenceUniquePerCycle(t *testing.T) {
	typ := reflect.TypeOf(CycleLog{})
	assertGormTag(t, typ, "CycleID", "uniqueIndex:idx_cycle_seq")
	assertGormTag(t, typ, "Seq", "uniqueIndex:idx_cycle_seq")
}

func TestGoal_ParentOptional(t *testing.T) {
	typ := reflect.TypeOf(Goal{})
	assertFieldType(t, typ, "ParentID", "*string")
	assertFieldType(t, typ, "MetricValue", "*float64")
}

func TestVote_CompositeKey(t *testing.T) {
	typ := reflect.TypeOf(Vote{})
	assertGormTag(t, typ, "DecisionID", "primaryKey")
	assertGormTag(t, typ, "VoterID", "primaryKey")
}

func TestDecision_Fields(t *testing.T) {
	typ := reflect.TypeOf(Decision{})
	assertGormTag(t, typ, "Status", "default:open")
	assertFieldType(t, typ, "TimeoutAt", "*time.Time")
	assertFieldType(t, typ, "ResolvedAt", "*time.Time")
}

func TestEscalation_Fields(t *testing.T) {
	typ := reflect.TypeOf(Escalation{})
	assertGormTag(t, typ, "Status", "default:pending")
	assertGormTag(t, typ, "ToAgentID", "index")
}
