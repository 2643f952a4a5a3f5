package types

const (
	// RequestKind is the relay event kind carrying encrypted requests and replies
	RequestKind = 24133

	MethodConnect      = "connect"
	MethodSignEvent    = "sign_event"
	MethodGetPublicKey = "get_public_key"
	MethodPing         = "ping"
	MethodNip04Encrypt = "nip04_encrypt"
	MethodNip04Decrypt = "nip04_decrypt"
	MethodNip44Encrypt = "nip44_encrypt"
	MethodNip44Decrypt = "nip44_decrypt"

	// AuthURLResult marks a reply that asks the client to open a confirmation page
	AuthURLResult = "auth_url"
)

// Request is the decrypted body of an inbound request event
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Response is the body of a reply event
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// PendingRequest is a request waiting for a decision.
// Timestamps are unix milliseconds.
type PendingRequest struct {
	ID          string `gorm:"primaryKey"`
	Owner       string `gorm:"index"`
	App         string `gorm:"index"`
	Method      string
	Params      []string `gorm:"serializer:json"`
	SubDelegate string
	CreatedAt   int64 `gorm:"autoCreateTime:false"`

	// AppName, AppIcon and AppURL are filled for locally injected connect requests
	AppName string
	AppIcon string
	AppURL  string
	// Local marks requests synthesized on this device rather than received from a relay
	Local bool
}

// Copy returns a deep copy of the pending request
func (r *PendingRequest) Copy() *PendingRequest {
	c := *r
	c.Params = append([]string(nil), r.Params...)
	return &c
}

// HistoryEntry is a request that received a manual decision
type HistoryEntry struct {
	ID        string `gorm:"primaryKey"`
	Owner     string `gorm:"index"`
	App       string `gorm:"index"`
	Method    string
	Params    []string `gorm:"serializer:json"`
	CreatedAt int64    `gorm:"autoCreateTime:false"`
	Allowed   bool
	DecidedAt int64
}

// NewHistoryEntry promotes a pending request into a history entry
func NewHistoryEntry(req *PendingRequest, allowed bool, decidedAt int64) *HistoryEntry {
	return &HistoryEntry{
		ID:        req.ID,
		Owner:     req.Owner,
		App:       req.App,
		Method:    req.Method,
		Params:    append([]string(nil), req.Params...),
		CreatedAt: req.CreatedAt,
		Allowed:   allowed,
		DecidedAt: decidedAt,
	}
}
