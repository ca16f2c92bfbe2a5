package wsframe

import (
	"context"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantErr  bool
	}{
		{"query", `{"type":"query","content":"hi"}`, TypeQuery, false},
		{"subscribe", `{"type":"subscribe","session_id":"s1"}`, TypeSubscribe, false},
		{"missing type defaults to query", `{"content":"hi"}`, TypeQuery, false},
		{"unknown type preserved", `{"type":"mystery"}`, "mystery", false},
		{"invalid json", `{"type":`, "", true},
		{"non-object", `[1,2]`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Decode(%q) expected error, got frame %+v", tt.data, f)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q) unexpected error: %v", tt.data, err)
			}
			if f.Type != tt.wantType {
				t.Errorf("Decode(%q).Type = %q, want %q", tt.data, f.Type, tt.wantType)
			}
		})
	}
}

func TestBind(t *testing.T) {
	f, err := Decode([]byte(`{"type":"query","session_id":"s1","content":"hello","model_name":"m"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var req QueryRequest
	if err := f.Bind(&req); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if req.SessionID != "s1" || req.Content != "hello" || req.ModelName != "m" {
		t.Errorf("Bind result = %+v", req)
	}
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher()

	var got string
	d.RegisterFunc(TypeInterrupt, func(ctx context.Context, frame *Frame) error {
		var req InterruptRequest
		if err := frame.Bind(&req); err != nil {
			return err
		}
		got = req.SessionID
		return nil
	})

	if !d.HasHandler(TypeInterrupt) {
		t.Fatal("HasHandler(interrupt) = false")
	}
	if d.HasHandler(TypeQuery) {
		t.Fatal("HasHandler(query) = true for unregistered type")
	}

	f, err := Decode([]byte(`{"type":"interrupt","session_id":"s9"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := d.Dispatch(context.Background(), f); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got != "s9" {
		t.Errorf("handler saw session %q, want s9", got)
	}

	unknown := &Frame{Type: "nope"}
	if err := d.Dispatch(context.Background(), unknown); err == nil {
		t.Error("Dispatch(unknown) expected error")
	}
}
