package state

import "happy-sync/internal/model"

type Kind string

const (
	KindSession Kind = "session"
	KindMachine Kind = "machine"
	KindAccount Kind = "account"
)

// Key identifies an entity. Ids are only unique within a kind.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

// Entity is a seq-ordered set of versioned fields with activity flags that
// are maintained outside the versioning.
type Entity struct {
	Key      Key
	Seq      int64
	Deleted  bool
	Active   bool
	ActiveAt int64
	Fields   map[string]model.VersionedValue
}

func NewEntity(key Key) *Entity {
	return &Entity{Key: key, Fields: make(map[string]model.VersionedValue)}
}

func (e *Entity) Field(name string) model.VersionedValue {
	return e.Fields[name]
}

// Accept installs a server-authoritative state at seq. Fields only move
// forward in version.
func (e *Entity) Accept(seq int64, fields map[string]model.VersionedValue) {
	if seq > e.Seq {
		e.Seq = seq
	}
	for name, v := range fields {
		if cur, ok := e.Fields[name]; ok && cur.Version > v.Version {
			continue
		}
		e.Fields[name] = v
	}
}
