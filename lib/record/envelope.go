package record

import (
	"fmt"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/util"
)

// --------------------------------------------------------------------------
// Schema Version
// --------------------------------------------------------------------------

// SchemaVersion tags every stored payload with the version of the type that wrote it
type SchemaVersion struct {
	Major uint16 `json:"major" yaml:"major"`
	Minor uint16 `json:"minor" yaml:"minor"`
}

// Compatible reports whether a reader expecting version reader can decode a
// payload written with version v: the majors must match and the reader must
// know at least as many minor additions as the writer.
func (v SchemaVersion) Compatible(reader SchemaVersion) bool {
	return v.Major == reader.Major && v.Minor <= reader.Minor
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("v%d.%d", v.Major, v.Minor)
}

// --------------------------------------------------------------------------
// Envelope
// --------------------------------------------------------------------------

// Envelope wraps a record payload with its versioning metadata.
// Release 0 means the record is not released. Once released, Payload and
// Schema never change again; only State may.
type Envelope struct {
	Key      keys.RecordKey `json:"key" yaml:"key"`
	Schema   SchemaVersion  `json:"schema" yaml:"schema"`
	Release  uint32         `json:"release" yaml:"release"`
	State    uint32         `json:"state" yaml:"state"`
	Creator  string         `json:"creator" yaml:"creator"`
	Modified int64          `json:"modified" yaml:"modified"` // unix nanos, assigned by the server
	Deleted  bool           `json:"deleted" yaml:"deleted"`
	Payload  []byte         `json:"payload" yaml:"-"`
}

// New creates revision 0 of a record
func New(id keys.ID, schema SchemaVersion, creator string, now int64, payload []byte) *Envelope {
	return &Envelope{
		Key:      keys.RecordKey{ID: id},
		Schema:   schema,
		Creator:  creator,
		Modified: now,
		Payload:  append([]byte(nil), payload...),
	}
}

// IsReleased reports whether the record is immutable
func (e *Envelope) IsReleased() bool {
	return e.Release != 0
}

// Clone returns a deep copy
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}

// CheckRead fails with SchemaIncompatible if a reader expecting version
// reader cannot decode this record
func (e *Envelope) CheckRead(reader SchemaVersion) error {
	if !e.Schema.Compatible(reader) {
		return errs.Newf(errs.RetCSchemaIncompatible, "record %s has schema %s, reader expects %s", e.Key, e.Schema, reader)
	}
	return nil
}

// --------------------------------------------------------------------------
// Transitions (each returns the next revision or fails without change)
// --------------------------------------------------------------------------

func (e *Envelope) mutable() error {
	if e.Deleted {
		return errs.Newf(errs.RetCNotFound, "record %s is deleted", e.Key.ID)
	}
	if e.IsReleased() {
		return errs.Newf(errs.RetCReleased, "record %s is released (#%d)", e.Key.ID, e.Release)
	}
	return nil
}

func (e *Envelope) bump(now int64) {
	e.Key.Revision++
	e.Modified = now
}

// Edit replaces the payload
func (e *Envelope) Edit(payload []byte, now int64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.Payload = append([]byte(nil), payload...)
	e.bump(now)
	return nil
}

// Migrate replaces payload and schema version. It is the only way the schema
// of a stored record changes and is never called implicitly.
func (e *Envelope) Migrate(schema SchemaVersion, payload []byte, now int64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.Schema = schema
	e.Payload = append([]byte(nil), payload...)
	e.bump(now)
	return nil
}

// Freeze releases the record under release number n (n > 0)
func (e *Envelope) Freeze(n uint32, now int64) error {
	if n == 0 {
		return errs.NewError(errs.RetCInvalidOperation, "release number must be greater than 0")
	}
	if err := e.mutable(); err != nil {
		return err
	}
	e.Release = n
	e.bump(now)
	return nil
}

// SetState changes the secondary state number, allowed on released records
func (e *Envelope) SetState(state uint32, now int64) error {
	if e.Deleted {
		return errs.Newf(errs.RetCNotFound, "record %s is deleted", e.Key.ID)
	}
	e.State = state
	e.bump(now)
	return nil
}

// Delete turns the record into a tombstone
func (e *Envelope) Delete(now int64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.Deleted = true
	e.Payload = nil
	e.bump(now)
	return nil
}

// --------------------------------------------------------------------------
// Binary Encoding
// --------------------------------------------------------------------------

const envelopeVersion = 1

// MarshalBinary encodes the envelope:
//
//	version u8 | id 16 | revision u32 | major u16 | minor u16 | release u32 |
//	state u32 | modified i64 | deleted u8 | creator (u16 len) | payload (u32 len)
func (e *Envelope) MarshalBinary() ([]byte, error) {
	enc := util.NewEncoder(64 + len(e.Creator) + len(e.Payload))
	enc.U8(envelopeVersion).
		Raw(e.Key.ID.Bytes()).
		U32(e.Key.Revision).
		U16(e.Schema.Major).
		U16(e.Schema.Minor).
		U32(e.Release).
		U32(e.State).
		I64(e.Modified).
		Bool(e.Deleted).
		String(e.Creator).
		Bytes(e.Payload)
	return enc.Data(), nil
}

// UnmarshalBinary decodes an envelope written by MarshalBinary
func (e *Envelope) UnmarshalBinary(data []byte) error {
	d := util.NewDecoder(data)
	if v := d.U8("version"); d.Err() == nil && v != envelopeVersion {
		return errs.Newf(errs.RetCStorageIO, "unsupported envelope version %d", v)
	}
	e.Key.ID, _ = keys.IDFromBytes(d.Raw(keys.IDSize, "id"))
	e.Key.Revision = d.U32("revision")
	e.Schema.Major = d.U16("schema major")
	e.Schema.Minor = d.U16("schema minor")
	e.Release = d.U32("release")
	e.State = d.U32("state")
	e.Modified = d.I64("modified")
	e.Deleted = d.Bool("deleted")
	e.Creator = d.String("creator")
	e.Payload = d.Bytes("payload")
	if d.Err() != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("decode envelope: %w", d.Err()))
	}
	return nil
}

// Decode is a shorthand for UnmarshalBinary into a new envelope
func Decode(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := e.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return e, nil
}

// MustEncode encodes e, the encoding cannot fail
func (e *Envelope) MustEncode() []byte {
	data, _ := e.MarshalBinary()
	return data
}
