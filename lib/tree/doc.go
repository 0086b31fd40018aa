// Package tree binds Go types to named trees.
//
// A Registry maps tree names to their value type, schema version and codec.
// Register returns the typed handle *Tree[T] applications use to encode,
// decode (with the schema compatibility check) and key their records. Keys
// created by a tree carry its name and are rejected by every other tree.
//
// Key Components:
//
//   - Codec: JSONCodec (default) and BinaryCodec for types implementing the
//     encoding.Binary(Un)Marshaler pair.
//   - Encodable, Indexable, Cloneable: optional capabilities of value types.
//     Indexable types feed the named index of their tree.
//   - Binding: the type erased view of a tree, used by the universal viewer.
//
// Names starting with "_" are reserved for internal trees.
package tree
