package viewer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/layout"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/tree"
	"github.com/goccy/go-yaml"
	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// --------------------------------------------------------------------------
// Opaque Key
// --------------------------------------------------------------------------

// OpaqueKey addresses a record of any tree without knowing its type. Raw is
// either a 16 byte id or a 20 byte record key (id and revision).
type OpaqueKey struct {
	Tree string
	Raw  []byte
}

// NewOpaqueKey erases the type of a record key
func NewOpaqueKey(treeName string, k keys.RecordKey) OpaqueKey {
	return OpaqueKey{Tree: treeName, Raw: k.Bytes()}
}

// ID returns the record id the key points to
func (k OpaqueKey) ID() (keys.ID, error) {
	switch len(k.Raw) {
	case keys.IDSize:
		return keys.IDFromBytes(k.Raw)
	case keys.RecordKeySize:
		rk, err := keys.RecordKeyFromBytes(k.Raw)
		return rk.ID, err
	}
	return keys.ID{}, errs.Newf(errs.RetCInvalidOperation, "opaque key of %d bytes", len(k.Raw))
}

func (k OpaqueKey) String() string {
	if rk, err := keys.RecordKeyFromBytes(k.Raw); err == nil {
		return k.Tree + "/" + rk.String()
	}
	if id, err := keys.IDFromBytes(k.Raw); err == nil {
		return k.Tree + "/" + id.String()
	}
	return k.Tree + "/0x" + fmt.Sprintf("%x", k.Raw)
}

// ParseOpaqueKey parses "tree/id" as printed by the CLI
func ParseOpaqueKey(s string) (OpaqueKey, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return OpaqueKey{}, errs.Newf(errs.RetCInvalidOperation, "key %q is not of the form tree/id", s)
	}
	idText := s[i+1:]
	if at := strings.IndexByte(idText, '@'); at >= 0 {
		idText = idText[:at]
	}
	id, err := keys.ParseID(idText)
	if err != nil {
		return OpaqueKey{}, errs.Wrap(errs.RetCInvalidOperation, err)
	}
	return OpaqueKey{Tree: s[:i], Raw: id.Bytes()}, nil
}

// --------------------------------------------------------------------------
// Viewer
// --------------------------------------------------------------------------

// Viewer renders records of any tree as YAML documents. Trees without a
// registered binding are shown with JSON payloads converted to YAML and
// everything else base64 encoded.
type Viewer struct {
	reg *tree.Registry
	kv  db.KVDB
}

// Entry is one line of a tree listing
type Entry struct {
	Key      OpaqueKey
	Revision uint32
	Release  uint32
	State    uint32
	Deleted  bool
	Modified time.Time
}

// Document is the YAML form of a record
type Document struct {
	Tree     string `yaml:"tree"`
	ID       string `yaml:"id"`
	Revision uint32 `yaml:"revision"`
	Schema   string `yaml:"schema"`
	Release  uint32 `yaml:"release,omitempty"`
	State    uint32 `yaml:"state"`
	Creator  string `yaml:"creator"`
	Modified string `yaml:"modified"`
	Deleted  bool   `yaml:"deleted,omitempty"`
	Payload  any    `yaml:"payload,omitempty"`
}

// New creates a viewer over the records in kv. reg may be nil.
func New(reg *tree.Registry, kv db.KVDB) *Viewer {
	if reg == nil {
		reg = tree.NewRegistry()
	}
	return &Viewer{reg: reg, kv: kv}
}

// Trees lists the user trees holding records
func (v *Viewer) Trees() ([]string, error) {
	return layout.UserTrees(v.kv)
}

// List returns the records of a tree in id order
func (v *Viewer) List(treeName string) ([]Entry, error) {
	var entries []Entry
	err := layout.ScanEnvelopes(v.kv, treeName, func(env *record.Envelope) bool {
		entries = append(entries, Entry{
			Key:      NewOpaqueKey(treeName, env.Key),
			Revision: env.Key.Revision,
			Release:  env.Release,
			State:    env.State,
			Deleted:  env.Deleted,
			Modified: time.Unix(0, env.Modified).UTC(),
		})
		return true
	})
	return entries, err
}

// Load reads the envelope a key points to
func (v *Viewer) Load(key OpaqueKey) (*record.Envelope, error) {
	id, err := key.ID()
	if err != nil {
		return nil, err
	}
	env, ok, err := layout.LoadEnvelope(v.kv, key.Tree, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Newf(errs.RetCNotFound, "record %s does not exist", key)
	}
	return env, nil
}

// Render returns the YAML document of the record a key points to
func (v *Viewer) Render(key OpaqueKey) (string, error) {
	env, err := v.Load(key)
	if err != nil {
		return "", err
	}
	return v.RenderEnvelope(key.Tree, env)
}

// RenderEnvelope returns the YAML document of an envelope
func (v *Viewer) RenderEnvelope(treeName string, env *record.Envelope) (string, error) {
	doc := Document{
		Tree:     treeName,
		ID:       env.Key.ID.String(),
		Revision: env.Key.Revision,
		Schema:   env.Schema.String(),
		Release:  env.Release,
		State:    env.State,
		Creator:  env.Creator,
		Modified: time.Unix(0, env.Modified).UTC().Format(time.RFC3339Nano),
		Deleted:  env.Deleted,
	}
	if !env.Deleted {
		payload, err := v.decode(treeName, env)
		if err != nil {
			return "", err
		}
		doc.Payload = payload
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render %s/%s: %w", treeName, env.Key, err)
	}
	return string(out), nil
}

// RenderPayload returns the YAML form of a payload of tree
func (v *Viewer) RenderPayload(treeName string, payload []byte) (string, error) {
	val, err := v.decode(treeName, &record.Envelope{Payload: payload, Schema: v.schemaOf(treeName)})
	if err != nil {
		return "", err
	}
	out, err := yaml.Marshal(val)
	if err != nil {
		return "", fmt.Errorf("render payload of %s: %w", treeName, err)
	}
	return string(out), nil
}

// ParsePayload converts an edited YAML payload back to the stored encoding
func (v *Viewer) ParsePayload(treeName, text string) ([]byte, error) {
	if b, ok := v.reg.Lookup(treeName); ok {
		ptr := b.NewAny()
		if err := yaml.Unmarshal([]byte(text), ptr); err != nil {
			return nil, errs.Wrap(errs.RetCInvalidOperation, fmt.Errorf("parse %s payload: %w", treeName, err))
		}
		return b.EncodeAny(ptr)
	}
	data, err := yaml.YAMLToJSON([]byte(text))
	if err != nil {
		return nil, errs.Wrap(errs.RetCInvalidOperation, fmt.Errorf("parse %s payload: %w", treeName, err))
	}
	return data, nil
}

func (v *Viewer) schemaOf(treeName string) record.SchemaVersion {
	if b, ok := v.reg.Lookup(treeName); ok {
		return b.Schema()
	}
	return record.SchemaVersion{}
}

func (v *Viewer) decode(treeName string, env *record.Envelope) (any, error) {
	if b, ok := v.reg.Lookup(treeName); ok {
		if err := env.CheckRead(b.Schema()); err != nil {
			return nil, err
		}
		val, err := b.DecodeAny(env.Payload)
		if err != nil {
			return nil, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("decode %s/%s: %w", treeName, env.Key, err))
		}
		return val, nil
	}

	var generic any
	if json.Unmarshal(env.Payload, &generic) == nil {
		return generic, nil
	}
	return base64.StdEncoding.EncodeToString(env.Payload), nil
}

// --------------------------------------------------------------------------
// Diff
// --------------------------------------------------------------------------

// Diff returns a line diff of two rendered documents, lines prefixed with
// "+", "-" or " ". It is empty when both are equal.
func Diff(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffpatch.DiffInsert:
			prefix = "+"
		case diffpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String()
}
