package router

import (
	"errors"
	"testing"
	"time"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("kpi", map[string]int{"active": 3})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	if env.ID == "" {
		t.Error("ID should be set")
	}
	if string(env.Payload) != `{"active":3}` {
		t.Errorf("Payload = %s", env.Payload)
	}

	other, _ := NewEnvelope("kpi", nil)
	if other.ID == env.ID {
		t.Error("IDs should be unique")
	}
	if other.Payload != nil {
		t.Errorf("nil payload should stay empty, got %s", other.Payload)
	}
}

func TestNewEnvelope_MissingType(t *testing.T) {
	if _, err := NewEnvelope("", nil); !errors.Is(err, ErrMissingType) {
		t.Errorf("err = %v, want ErrMissingType", err)
	}
}

func TestParse(t *testing.T) {
	now := time.Now()
	env, err := Parse([]byte(`{"id":"abc","type":"alert","payload":{"level":"high"}}`), now)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if env.ID != "abc" || env.Type != "alert" {
		t.Errorf("got id=%q type=%q", env.ID, env.Type)
	}
	if env.Source != SourcePush {
		t.Errorf("Source = %q, want %q", env.Source, SourcePush)
	}
	if !env.ReceivedAt.Equal(now) {
		t.Error("ReceivedAt not preserved")
	}

	var p struct{ Level string }
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.Level != "high" {
		t.Errorf("Level = %q, want high", p.Level)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{invalid json}`},
		{"missing type", `{"id":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data), time.Now()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEnvelope_IsControl(t *testing.T) {
	for _, typ := range []string{TypePing, TypePong, TypeAck} {
		if !(Envelope{Type: typ}).IsControl() {
			t.Errorf("%s should be control", typ)
		}
	}
	if (Envelope{Type: "kpi"}).IsControl() {
		t.Error("kpi should not be control")
	}
}
