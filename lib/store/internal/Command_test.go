package internal

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
)

// TestSizeBytes tests the SizeBytes method
func TestSizeBytes(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{
			name:    "Empty command",
			command: Command{Type: CommandTAck},
		},
		{
			name: "Command with payload",
			command: Command{
				Type:    CommandTEdit,
				Tree:    "parts",
				Client:  "A",
				ID:      keys.Uint64(1000),
				Payload: []byte("testvalue"),
			},
		},
		{
			name: "Command with keys",
			command: Command{
				Type:   CommandTReconcile,
				Client: "A",
				Keys:   []borrow.Key{{Tree: "parts", ID: keys.Uint64(1)}, {Tree: "orders", ID: keys.Uint64(2)}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if size, actual := tt.command.SizeBytes(), len(tt.command.Serialize()); size != actual {
				t.Errorf("SizeBytes() = %v, serialized %v bytes", size, actual)
			}
		})
	}
}

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{
			name: "Create",
			command: Command{
				Type:    CommandTCreate,
				Now:     1700000000000000000,
				Tree:    "parts",
				Client:  "client-a",
				ID:      keys.ID{Hi: 1, Lo: 42},
				Payload: record.New(keys.ID{Hi: 1, Lo: 42}, record.SchemaVersion{Major: 1}, "client-a", 1, []byte("v")).MustEncode(),
			},
		},
		{
			name: "Migrate",
			command: Command{
				Type:    CommandTMigrate,
				Tree:    "parts",
				Client:  "B",
				ID:      keys.Uint64(7),
				Schema:  record.SchemaVersion{Major: 2, Minor: 1},
				Payload: []byte{0, 1, 2, 3, 254, 255},
			},
		},
		{
			name: "Release with max number",
			command: Command{
				Type:   CommandTRelease,
				Tree:   "parts",
				Client: "B",
				ID:     keys.Uint64(7),
				N:      4294967295,
			},
		},
		{
			name: "Reconcile with Unicode tree",
			command: Command{
				Type:   CommandTReconcile,
				Client: "A",
				Keys:   []borrow.Key{{Tree: "你好世界", ID: keys.Uint64(3)}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.command.Serialize()

			var got Command
			if err := got.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}

			want := tt.command
			if want.Payload == nil {
				want.Payload = []byte{}
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("Deserialize() = %+v, want %+v", got, want)
			}
			if !bytes.Equal(got.Serialize(), data) {
				t.Errorf("re-serialized command differs")
			}
		})
	}
}

// TestDeserializeErrors tests error handling in Deserialize
func TestDeserializeErrors(t *testing.T) {
	valid := (&Command{Type: CommandTEdit, Tree: "parts", Payload: []byte("x")}).Serialize()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "Empty data", data: []byte{}},
		{name: "Truncated header", data: valid[:5]},
		{name: "Truncated payload", data: valid[:len(valid)-6]},
		{name: "Trailing bytes", data: append(append([]byte(nil), valid...), 0xff)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd Command
			if err := cmd.Deserialize(tt.data); err == nil {
				t.Errorf("Deserialize() expected error, got nil")
			}
		})
	}
}

// TestCommandTypeString tests the String method of CommandType
func TestCommandTypeString(t *testing.T) {
	if got := CommandTCheckout.String(); got != "Checkout" {
		t.Errorf("String() = %q, want %q", got, "Checkout")
	}
	if got := CommandType(200).String(); got != "Unknown(200)" {
		t.Errorf("String() = %q, want %q", got, "Unknown(200)")
	}
}
