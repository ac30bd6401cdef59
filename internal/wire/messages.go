package wire

// Client message type tags (spec.md §6).
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSetFocus    = "set_focus"
	TypeInput       = "input"
	TypeResize      = "resize"
	TypeResync      = "resync"
	TypeCreate      = "create"
	TypeStop        = "stop"
	TypePing        = "ping"
)

// Server message type tags.
const (
	TypeSnapshot        = "snapshot"
	TypeInstanceCreated = "instance_created"
	TypeInstanceStopped = "instance_stopped"
	TypeInstanceRenamed = "instance_renamed"
	TypeSubscribed      = "subscribed"
	TypeResynced        = "resynced"
	TypeOutput          = "output"
	TypeOutputLagged    = "output_lagged"
	TypeGridChanged     = "grid_changed"
	TypeCursorTick      = "cursor_tick"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes used in ServerMessage.Code.
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeBusy         = "busy"
	ErrCodeBadFrame     = "bad_frame"
	ErrCodeBadRequest   = "bad_request"
	ErrCodeForbidden    = "forbidden"
	ErrCodeInternal     = "internal"
)

// ClientMessage is the single envelope for every client -> server frame.
// Only the fields relevant to Type are populated; the rest are left zero.
type ClientMessage struct {
	Type           string            `json:"type"`
	InstanceID     string            `json:"instance_id,omitempty"`
	Cols           int               `json:"cols,omitempty"`
	Rows           int               `json:"rows,omitempty"`
	ResumeFromSeq  *uint64           `json:"resume_from_seq,omitempty"`
	Focused        bool              `json:"focused,omitempty"`
	Data           string            `json:"data,omitempty"` // base64
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	ClientTimestamp int64            `json:"client_timestamp,omitempty"`
}

// Grid mirrors the {cols,rows} object used in several server messages.
type Grid struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// InstanceSummary is the serializable view of one Instance's metadata sent
// in Snapshot/InstanceCreated and the REST instance-list endpoint.
type InstanceSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Command   string `json:"command"`
	Args      []string `json:"args,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Status    string `json:"status"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Signal    string `json:"signal,omitempty"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	CreatedAt int64  `json:"created_at"`
	BytesSent uint64 `json:"bytes_sent"`
}

// ServerMessage is the single envelope for every server -> client frame.
type ServerMessage struct {
	Type       string            `json:"type"`
	Instances  []InstanceSummary `json:"instances,omitempty"`
	Instance   *InstanceSummary  `json:"instance,omitempty"`
	InstanceID string            `json:"instance_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Signal     string            `json:"signal,omitempty"`
	Grid       *Grid             `json:"grid,omitempty"`
	Cols       int               `json:"cols,omitempty"`
	Rows       int               `json:"rows,omitempty"`
	Seq        uint64            `json:"seq,omitempty"`
	HistoryBytes string          `json:"history_bytes,omitempty"` // base64
	GapLost    bool              `json:"gap_lost,omitempty"`
	Data       string            `json:"data,omitempty"` // base64
	EndSeq     uint64            `json:"end_seq,omitempty"`
	Dropped    uint64            `json:"dropped,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
	Context    string            `json:"context,omitempty"`
	ClientTimestamp int64        `json:"client_timestamp,omitempty"`
}
