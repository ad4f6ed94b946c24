package device

// Message types exchanged with the glasses platform.
const (
	TypeConnectionInit     = "connection_init"
	TypeConnectionAck      = "connection_ack"
	TypeSubscriptionUpdate = "subscription_update"
	TypeAudioChunk         = "audio_chunk"
	TypeBattery            = "glasses_battery"
	TypeModeChange         = "dashboard_mode_change"
	TypeDashboardUpdate    = "dashboard_content_update"
)

// StreamAudio is the subscription name for microphone audio.
const StreamAudio = "audio_chunk"

// Mode is the dashboard view the wearer currently looks at.
type Mode string

const (
	ModeMain     Mode = "main"
	ModeExpanded Mode = "expanded"
)

// Battery is a glasses battery report.
type Battery struct {
	Level    int  `json:"level"`
	Charging bool `json:"charging"`
}

// envelope is used to peek at the type of an incoming text frame.
type envelope struct {
	Type string `json:"type"`
}

type connectionInit struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type connectionAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type subscriptionUpdate struct {
	Type          string   `json:"type"`
	Subscriptions []string `json:"subscriptions"`
}

// audioChunk carries base64-encoded PCM; encoding/json decodes it into Data.
type audioChunk struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

type batteryUpdate struct {
	Type string `json:"type"`
	Battery
}

type modeChange struct {
	Type string `json:"type"`
	Mode Mode   `json:"mode"`
}

type dashboardUpdate struct {
	Type   string `json:"type"`
	Target Mode   `json:"target"`
	Text   string `json:"text"`
}
