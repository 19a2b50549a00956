package model

// VersionedValue is a single optimistically versioned field. A nil Value is
// an explicit "cleared" state; absence of the field is expressed by a nil
// *VersionedValue at the containing level.
type VersionedValue struct {
	Version int64   `json:"version"`
	Value   *string `json:"value"`
}

// Versioned builds a VersionedValue holding a copy of value.
func Versioned(version int64, value string) VersionedValue {
	v := value
	return VersionedValue{Version: version, Value: &v}
}

// StringValue returns the value or "" when cleared.
func (v VersionedValue) StringValue() string {
	if v.Value == nil {
		return ""
	}
	return *v.Value
}

// Versioned field names, shared by the wire format and entity snapshots.
const (
	FieldMetadata    = "metadata"
	FieldAgentState  = "agentState"
	FieldDaemonState = "daemonState"
	FieldSettings    = "settings"
)

const EncryptedContentType = "encrypted"

// EncryptedContent is an opaque sealed envelope. C is never inspected by the
// sync core.
type EncryptedContent struct {
	T string `json:"t"`
	C string `json:"c"`
}

func Encrypted(c string) EncryptedContent {
	return EncryptedContent{T: EncryptedContentType, C: c}
}

type Account struct {
	ID        string
	PublicKey string
	Seq       int64
	Settings  VersionedValue
	CreatedAt int64
}

type AuthRequest struct {
	ID                string
	PublicKey         string
	SupportsV2        bool
	Response          string
	ResponseAccountID string
	Token             string
	CreatedAt         int64
	UpdatedAt         int64
}

type Session struct {
	ID                string
	UserID            string
	Tag               string
	Seq               int64
	Metadata          VersionedValue
	AgentState        VersionedValue
	DataEncryptionKey *string
	Active            bool
	ActiveAt          int64
	LastActiveAt      int64
	CreatedAt         int64
	UpdatedAt         int64
	Deleted           bool
}

type SessionMessage struct {
	ID        string
	SessionID string
	Seq       int64
	LocalID   *string
	Content   string
	CreatedAt int64
	UpdatedAt int64
}

type Machine struct {
	ID                string
	UserID            string
	Seq               int64
	Metadata          VersionedValue
	DaemonState       VersionedValue
	DataEncryptionKey *string
	Active            bool
	ActiveAt          int64
	LastActiveAt      int64
	CreatedAt         int64
	UpdatedAt         int64
}

type PushToken struct {
	ID        string
	UserID    string
	Token     string
	CreatedAt int64
	UpdatedAt int64
}
