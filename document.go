package collabkit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/c0deZ3R0/go-collab-kit/version"
)

// DocumentKind classifies the content of a document.
type DocumentKind string

const (
	KindPlain    DocumentKind = "plain"
	KindMarkdown DocumentKind = "markdown"
	KindRich     DocumentKind = "rich"
	KindCode     DocumentKind = "code"
)

// Capability is a permission the engine re-checks on every mutating call.
// The engine never caches a capability decision.
type Capability string

const (
	CapRead    Capability = "read"
	CapWrite   Capability = "write"
	CapComment Capability = "comment"
	CapShare   Capability = "share"
	CapDelete  Capability = "delete"
)

// Capabilities lists every capability the permission model knows about.
var Capabilities = []Capability{CapRead, CapWrite, CapComment, CapShare, CapDelete}

// Permissions holds one grantee set per capability. The creator of a
// document is granted all five.
type Permissions struct {
	grants map[Capability]mapset.Set[string]
}

// NewPermissions builds a permission set granting the creator every
// capability.
func NewPermissions(creator string) *Permissions {
	p := &Permissions{grants: make(map[Capability]mapset.Set[string], len(Capabilities))}
	for _, c := range Capabilities {
		p.grants[c] = mapset.NewSet[string]()
		if creator != "" {
			p.grants[c].Add(creator)
		}
	}
	return p
}

// Grant adds a participant to a capability's grantee set.
func (p *Permissions) Grant(cap Capability, participantID string) {
	if s, ok := p.grants[cap]; ok {
		s.Add(participantID)
	}
}

// Revoke removes a participant from a capability's grantee set.
func (p *Permissions) Revoke(cap Capability, participantID string) {
	if s, ok := p.grants[cap]; ok {
		s.Remove(participantID)
	}
}

// Allows reports whether the participant holds the capability.
func (p *Permissions) Allows(cap Capability, participantID string) bool {
	s, ok := p.grants[cap]
	return ok && s.Contains(participantID)
}

// Grantees returns the sorted grantee list for a capability.
func (p *Permissions) Grantees(cap Capability) []string {
	s, ok := p.grants[cap]
	if !ok {
		return nil
	}
	return mapset.Sorted(s)
}

// Clone returns an independent copy.
func (p *Permissions) Clone() *Permissions {
	out := &Permissions{grants: make(map[Capability]mapset.Set[string], len(p.grants))}
	for c, s := range p.grants {
		out.grants[c] = s.Clone()
	}
	return out
}

type permissionsJSON struct {
	Read    []string `json:"read"`
	Write   []string `json:"write"`
	Comment []string `json:"comment"`
	Share   []string `json:"share"`
	Delete  []string `json:"delete"`
}

// MarshalJSON serializes grantee sets as sorted slices so output is
// deterministic.
func (p *Permissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(permissionsJSON{
		Read:    p.Grantees(CapRead),
		Write:   p.Grantees(CapWrite),
		Comment: p.Grantees(CapComment),
		Share:   p.Grantees(CapShare),
		Delete:  p.Grantees(CapDelete),
	})
}

// UnmarshalJSON restores grantee sets from the sorted-slice form.
func (p *Permissions) UnmarshalJSON(data []byte) error {
	var raw permissionsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.grants = map[Capability]mapset.Set[string]{
		CapRead:    mapset.NewSet(raw.Read...),
		CapWrite:   mapset.NewSet(raw.Write...),
		CapComment: mapset.NewSet(raw.Comment...),
		CapShare:   mapset.NewSet(raw.Share...),
		CapDelete:  mapset.NewSet(raw.Delete...),
	}
	return nil
}

// Document is a collaboratively edited text document. The document
// store exclusively owns Document records and their authoritative
// content; every other component works on snapshot copies or IDs.
//
// Invariants: Version only increases; Locked implies LockOwner != "".
type Document struct {
	ID            string
	Title         string
	Content       string
	Kind          DocumentKind
	CreatedBy     string
	CreatedAt     time.Time
	ModifiedAt    time.Time
	Version       int64
	Checksum      string
	Permissions   *Permissions
	Collaborators mapset.Set[string]
	Locked        bool
	LockOwner     string
	Clock         *version.VectorClock
}

// Clone returns a deep copy safe to hand outside the store.
func (d *Document) Clone() *Document {
	out := *d
	if d.Permissions != nil {
		out.Permissions = d.Permissions.Clone()
	}
	if d.Collaborators != nil {
		out.Collaborators = d.Collaborators.Clone()
	}
	if d.Clock != nil {
		out.Clock = d.Clock.Clone()
	}
	return &out
}

// ContentChecksum hashes document content with SHA-256. Replicas compare
// checksums to detect silent divergence without shipping full text.
func ContentChecksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// sortedMembers returns a set's members in sorted order, tolerating a
// nil set.
func sortedMembers(s mapset.Set[string]) []string {
	if s == nil {
		return nil
	}
	return mapset.Sorted(s)
}

// Snapshot is the unit of persistence: the document state handed to the
// Persistence collaborator on autosave and explicit save.
type Snapshot struct {
	DocumentID    string               `json:"document_id"`
	Title         string               `json:"title"`
	Kind          DocumentKind         `json:"kind"`
	Content       string               `json:"content"`
	Version       int64                `json:"version"`
	Checksum      string               `json:"checksum"`
	Clock         *version.VectorClock `json:"clock,omitempty"`
	Collaborators []string             `json:"collaborators,omitempty"`
	SavedAt       time.Time            `json:"saved_at"`
}

// snapshotOf captures the persistable state of a document.
func snapshotOf(d *Document, now time.Time) Snapshot {
	snap := Snapshot{
		DocumentID: d.ID,
		Title:      d.Title,
		Kind:       d.Kind,
		Content:    d.Content,
		Version:    d.Version,
		Checksum:   d.Checksum,
		SavedAt:    now,
	}
	if d.Clock != nil {
		snap.Clock = d.Clock.Clone()
	}
	if d.Collaborators != nil {
		snap.Collaborators = mapset.Sorted(d.Collaborators)
	}
	return snap
}

// documentFromSnapshot rebuilds a document from persisted state. Locks
// and per-capability grants are session state and do not survive a
// restore: collaborators come back holding read, write, and comment.
func documentFromSnapshot(snap Snapshot) *Document {
	doc := &Document{
		ID:            snap.DocumentID,
		Title:         snap.Title,
		Kind:          snap.Kind,
		Content:       snap.Content,
		CreatedAt:     snap.SavedAt,
		ModifiedAt:    snap.SavedAt,
		Version:       snap.Version,
		Checksum:      snap.Checksum,
		Permissions:   NewPermissions(""),
		Collaborators: mapset.NewSet[string](),
		Clock:         version.NewVectorClock(),
	}
	if doc.Kind == "" {
		doc.Kind = KindPlain
	}
	if doc.Version < 1 {
		doc.Version = 1
	}
	if doc.Checksum == "" {
		doc.Checksum = ContentChecksum(snap.Content)
	}
	if snap.Clock != nil {
		doc.Clock = snap.Clock.Clone()
	}
	for _, c := range snap.Collaborators {
		if c == "" {
			continue
		}
		doc.Collaborators.Add(c)
		doc.Permissions.Grant(CapRead, c)
		doc.Permissions.Grant(CapWrite, c)
		doc.Permissions.Grant(CapComment, c)
	}
	return doc
}
