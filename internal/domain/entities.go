package domain

import "time"

// Activity классифицирует запись журнала: оригинальный пост или правка.
type Activity string

const (
	ActivityPost Activity = "POST"
	ActivityEdit Activity = "EDIT"
)

// User описывает псевдонимизированного пользователя Telegram.
// ID — ключевой хэш внешнего идентификатора; имена расшифрованы
// только выше границы хранилища.
type User struct {
	ID        string
	Username  string
	FirstName string
	LastName  string
	IsAdmin   bool
	PhotoURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Group описывает наблюдаемую группу.
type Group struct {
	ID        int64
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GroupMember хранит факт членства пользователя в группе.
type GroupMember struct {
	GroupID  int64
	UserID   string
	JoinedAt time.Time
}

// AuditEntry — неизменяемая запись журнала об одном захвате сообщения.
// Правка никогда не обновляет существующую строку: вставляется новая
// с увеличенной версией.
type AuditEntry struct {
	UUID       string
	Version    int
	GroupID    int64
	GroupName  string
	PosterID   string
	PosterName string
	MessageID  int64
	Text       string
	ReplyToID  int64
	StickerID  string
	Activity   Activity
	Timestamp  time.Time

	// Аннотации выборки, в строке не хранятся.
	EditCount   int
	StickerURL  string
	Attachments []Attachment
	FileCount   int
}

// Attachment описывает медиафайл, привязанный к записи журнала.
type Attachment struct {
	MessageUUID string
	FileID      string
	Name        string
	MimeType    string
	UniqueID    string
	Size        int64
	ThumbFileID string

	FileURL  string
	ThumbURL string
}

// CachedFile — закэшированная ссылка на файл с моментом обновления.
type CachedFile struct {
	FileID      string
	URL         string
	RefreshedAt time.Time
}

// Session привязывает cookie-сессию к псевдониму пользователя.
type Session struct {
	ID        string
	UserID    string
	AuthDate  time.Time
	CreatedAt time.Time
}

// AccessToken — одноразовый токен входа по ссылке. GroupID/MessageID
// указывают на анонсирующее сообщение для последующей зачистки.
type AccessToken struct {
	Token     string
	UserID    string
	GroupID   int64
	MessageID int
	CreatedAt time.Time
}

// EntryFilter задаёт необязательные конъюнктивные условия выборки журнала.
// Нулевые значения означают отсутствие условия.
type EntryFilter struct {
	From      time.Time
	To        time.Time
	GroupID   int64
	PosterID  string
	MessageID int64
	Activity  Activity
	Text      string
	Page      int
	Limit     int

	IncludeStickers    bool
	IncludeAttachments bool
}

// Media описывает медиавложение входящего события до привязки к записи.
type Media struct {
	FileID      string
	Name        string
	MimeType    string
	UniqueID    string
	Size        int64
	ThumbFileID string
}

// InboundMessage — событие чата, приведённое к доменному виду.
type InboundMessage struct {
	MessageID int64
	Poster    *InboundUser
	Chat      *InboundChat
	Text      string
	ReplyToID int64
	StickerID string

	Files  []Media
	Photos []Media
}

// InboundUser — сырой пользователь события до псевдонимизации.
type InboundUser struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// InboundChat — сырой чат события.
type InboundChat struct {
	ID      int64
	Title   string
	Private bool
}
