package domain

import "time"

// UserRepo управляет псевдонимизированными пользователями.
// Имена принимаются и отдаются в зашифрованном виде: шифрование
// принадлежит слою Identity Vault, а не хранилищу.
type UserRepo interface {
	UpsertUser(user User) error
	GetUser(id string) (User, bool, error)
	ListUsers() ([]User, error)
	ListGroupUsers(groupID int64) ([]User, error)
	SetAdmin(id string, admin bool) error
	SetPhoto(id string, url string) error
	DeleteUsersBefore(cutoff time.Time) (int64, error)
}

// GroupRepo управляет группами.
type GroupRepo interface {
	UpsertGroup(group Group) error
	GetGroup(id int64) (Group, bool, error)
	ListGroups(search string) ([]Group, error)
}

// MemberRepo управляет членством в группах.
type MemberRepo interface {
	AddMember(groupID int64, userID string) error
	DeleteMembersBefore(cutoff time.Time) (int64, error)
}

// MessageRepo управляет строками журнала.
type MessageRepo interface {
	InsertEntry(entry AuditEntry) error
	CountEdits(groupID, messageID int64) (int, error)
	QueryEntries(filter EntryFilter) ([]AuditEntry, int, error)
}

// AttachmentRepo управляет вложениями записей.
type AttachmentRepo interface {
	InsertAttachment(att Attachment) error
	ListAttachments(messageUUID string) ([]Attachment, error)
	CountAttachments(messageUUID string) (int, error)
}

// FileCacheRepo хранит разрешённые ссылки на файлы с отметкой обновления.
type FileCacheRepo interface {
	GetFreshFile(fileID string, since time.Time) (CachedFile, bool, error)
	UpsertFile(fileID, url string) error
	DeleteFilesBefore(cutoff time.Time) (int64, error)
}

// SessionRepo хранит cookie-сессии.
type SessionRepo interface {
	InsertSession(s Session) error
	GetSession(id string) (Session, bool, error)
	DeleteSession(id string) error
}

// TokenRepo хранит одноразовые токены входа.
type TokenRepo interface {
	InsertToken(t AccessToken) error
	GetToken(token string) (AccessToken, bool, error)
	DeleteToken(token string) error
	AttachAnnouncement(token string, groupID int64, messageID int) error
	ListTokensBefore(cutoff time.Time) ([]AccessToken, error)
}

// MessagingGateway — исходящие вызовы к мессенджеру. Ошибки гасятся
// на месте вызова и превращаются в пустые результаты.
type MessagingGateway interface {
	ResolveFileLink(fileID string) (string, error)
	ListAdmins(groupID int64) ([]int64, error)
	SendMessage(chatID int64, text string) (int, error)
	DeleteMessage(chatID int64, messageID int) error
}
