// Package serializer turns sync protocol messages (common.Message) into bytes
// and back. Client and server must use the same serializer; the handshake
// fails otherwise.
//
// Implementations:
//
//   - binary: hand written format, a presence bitmap followed by the set
//     fields. Smallest and fastest, the default.
//   - json: readable on the wire, binary fields as base64. Useful with
//     tcpdump.
//   - gob: encoding/gob. Every message carries its own type description, so
//     it is the largest of the three.
//
// ByName resolves the names used on the command line.
//
// All serializers are stateless and safe for concurrent use.
//
// Usage:
//
//	s := serializer.NewBinarySerializer()
//	data, err := s.Serialize(*common.NewCheckin("parts", id))
//	// ... send data ...
//	var msg common.Message
//	err = s.Deserialize(data, &msg)
package serializer
