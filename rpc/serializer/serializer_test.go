package serializer

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Handshake
		*common.NewHello("client-a", "0f6c1d8e-5a4b-4c3d-9e8f-7a6b5c4d3e2f"),
		*common.NewWelcome("0f6c1d8e-5a4b-4c3d-9e8f-7a6b5c4d3e2f", "bench-server"),

		// Replication
		*common.NewSubscribe("parts", 41),
		*common.NewUpdate("parts", 42, []byte("encoded change")),

		// Borrow denied with holder
		*common.NewCheckoutDeny("parts", keys.Uint64(7), "client-b", errs.ErrConflict),

		// Commit with large id
		*common.NewCommit("parts", common.OpRelease, keys.ID{Hi: 3, Lo: 1 << 63}, 12, []byte("envelope")),

		// Error response
		{
			MsgType: common.MsgTError,
			Code:    errs.RetCInternalError,
			Err:     "test error message",
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for msgType := common.MsgTSuccess; msgType <= common.MsgTTrees; msgType++ {
				msg := common.Message{MsgType: msgType}

				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType.String(), err)
					continue
				}

				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType.String(), err)
					continue
				}

				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s",
						msgType.String(), result.MsgType.String())
				}
			}
		})
	}
}

// TestErrorSurvivesTransport checks that typed errors can be matched after a round trip
func TestErrorSurvivesTransport(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			data, err := serializer.Serialize(*common.NewCommitResponse("parts", nil, errs.ErrReleased))
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}
			var result common.Message
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if got := errs.CodeOf(result.Error()); got != errs.RetCReleased {
				t.Errorf("Code mismatch: expected %s, got %s", errs.RetCReleased, got)
			}
			if ok := common.NewSuccessResponse(common.MsgTCheckin, nil).Error(); ok != nil {
				t.Errorf("Success response carries error: %v", ok)
			}
		})
	}
}

// TestBinarySerializerSpecific tests specific edge cases for the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Message with empty value slice but not nil",
			msg: common.Message{
				MsgType: common.MsgTCommit,
				Tree:    "parts",
				Value:   []byte{},
			},
		},
		{
			name: "Message with zero id but cursor",
			msg: common.Message{
				MsgType: common.MsgTAck,
				Tree:    "parts",
				Cursor:  1,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			var result common.Message
			err = serializer.Deserialize(data, &result)
			if err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			// the binary format keeps nil and empty values apart
			if !reflect.DeepEqual(tc.msg, result) {
				t.Errorf("Mismatch:\nexpected %+v\ngot      %+v", tc.msg, result)
			}
			if (tc.msg.Value == nil) != (result.Value == nil) {
				t.Errorf("Value nil/non-nil mismatch: expected %v, got %v", tc.msg.Value, result.Value)
			}
		})
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0}, // type and half of the flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0},
			expectError: false,
		},
		{
			name:        "Invalid length for tree",
			data:        []byte{1, 0, 1, 0, 5, 'a', 'b', 'c'}, // Claims tree length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid length for value",
			data:        []byte{1, 1, 0, 0, 0, 0, 10}, // Claims value length 10 but no bytes provided
			expectError: true,
		},
		{
			name:        "Truncated id",
			data:        []byte{1, 0, 16, 0, 0, 0, 1},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"binary", "json", "gob", ""} {
		if _, ok := ByName(name); !ok {
			t.Errorf("serializer %q not found", name)
		}
	}
	if _, ok := ByName("xml"); ok {
		t.Errorf("unexpected serializer xml")
	}
}
