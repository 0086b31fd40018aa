// Package record implements the versioned record envelope.
//
// Every stored record is an Envelope: the RecordKey (id and revision), the
// schema version of the payload, the release number, a secondary state number,
// the creating client and the encoded payload.
//
// Lifecycle:
//
//   - New creates revision 0.
//   - Edit, Migrate, Freeze, SetState and Delete each produce the next revision.
//   - Freeze assigns a release number. From then on Payload and Schema are
//     immutable, Edit, Migrate, Freeze and Delete fail with Released, and only
//     SetState is still accepted.
//   - Migrate is the only transition that changes the schema version. Nothing
//     in tKV calls it implicitly.
//
// Reads compare the stored schema with the reader's expected schema through
// SchemaVersion.Compatible and fail with SchemaIncompatible when it does not hold.
//
// The envelope methods only check the record itself. Whether the caller holds
// the borrow is checked by the store before it applies a transition.
package record
