package store

// PublicChannelKey is the well-known 16-byte (32 hex char) key of the
// canonical "Public" channel, which must always exist.
const PublicChannelKey = "8B3387E9C5CDEA6AC9E5EDBAA115CD72"

// Contact type values, matching the advertisement's device_role field.
const (
	ContactTypeUnknown  = 0
	ContactTypeChat     = 1
	ContactTypeRepeater = 2
	ContactTypeRoom     = 3
	ContactTypeSensor   = 4
)

// Message type discriminants.
const (
	MessageTypePriv = "PRIV"
	MessageTypeChan = "CHAN"
)

// Contact is a peer node, identified by its lower-case 64-hex-char Ed25519
// public key.
type Contact struct {
	PublicKey     string
	Name          string
	Type          int
	Flags         int
	LastPath      string
	LastPathLen   int // -1 = unknown
	LastAdvert    int64
	Lat           *float64
	Lon           *float64
	LastSeen      int64
	OnRadio       bool
	LastContacted int64
	LastReadAt    int64
}

// Channel is a symmetrically keyed group chat, identified by its
// upper-case 32-hex-char key.
type Channel struct {
	Key        string
	Name       string
	IsHashtag  bool
	OnRadio    bool
	LastReadAt int64
}

// MessagePath is one observed route a message's echo arrived by.
type MessagePath struct {
	Path       string `json:"path"`
	ReceivedAt int64  `json:"received_at"`
}

// Message is a stored channel or direct message.
type Message struct {
	ID              int64
	Type            string // PRIV or CHAN
	ConversationKey string
	Text            string
	SenderTimestamp *int64
	ReceivedAt      int64
	Paths           []MessagePath
	TxtType         int
	Signature       string
	Outgoing        bool
	Acked           int
}

// RawPacket is a stored raw frame.
type RawPacket struct {
	ID          int64
	Timestamp   int64
	Data        []byte
	MessageID   *int64
	PayloadHash string
}

// Favorite pins a contact or channel to the top of the sidebar.
type Favorite struct {
	Type string `json:"type"` // "contact" or "channel"
	ID   string `json:"id"`
}

// BotConfig is one entry in the scripted-responder sandbox's configuration
// list. The sandbox itself is out of scope; the gateway only stores and
// serves this configuration.
type BotConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Code    string `json:"code"`
}

// AppSettings is the single-row settings record.
type AppSettings struct {
	MaxRadioContacts               int
	ExperimentalChannelDoubleSend  bool
	Favorites                      []Favorite
	AutoDecryptDMOnAdvert          bool
	SidebarSortOrder               string // "recent" or "alpha"
	LastMessageTimes               map[string]int64
	PreferencesMigrated            bool
	AdvertInterval                 int64
	LastAdvertTime                 int64
	Bots                           []BotConfig
}

// UnreadSummary is the result of the unread-aggregation query.
type UnreadSummary struct {
	Counts           map[string]int
	Mentions         map[string]bool
	LastMessageTimes map[string]int64
}
