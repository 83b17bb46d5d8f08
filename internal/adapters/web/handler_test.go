package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-audit-bot/internal/cryptox"
	"tg-audit-bot/internal/domain"
	"tg-audit-bot/internal/usecase/attachments"
	"tg-audit-bot/internal/usecase/auditlog"
	"tg-audit-bot/internal/usecase/auth"
	"tg-audit-bot/internal/usecase/vault"
)

const testBotToken = "12345:testbottoken"

// memStore — хранилище в памяти, реализующее все репозитории,
// которые нужны веб-поверхности.
type memStore struct {
	users    map[string]domain.User
	groups   map[int64]domain.Group
	sessions map[string]domain.Session
	tokens   map[string]domain.AccessToken
	entries  []domain.AuditEntry
	atts     map[string][]domain.Attachment
	files    map[string]domain.CachedFile
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]domain.User{},
		groups:   map[int64]domain.Group{},
		sessions: map[string]domain.Session{},
		tokens:   map[string]domain.AccessToken{},
		atts:     map[string][]domain.Attachment{},
		files:    map[string]domain.CachedFile{},
	}
}

func (m *memStore) UpsertUser(user domain.User) error {
	existing := m.users[user.ID]
	user.IsAdmin = existing.IsAdmin
	user.PhotoURL = existing.PhotoURL
	m.users[user.ID] = user
	return nil
}
func (m *memStore) GetUser(id string) (domain.User, bool, error) {
	u, ok := m.users[id]
	return u, ok, nil
}
func (m *memStore) ListUsers() ([]domain.User, error) {
	var out []domain.User
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}
func (m *memStore) ListGroupUsers(groupID int64) ([]domain.User, error) { return nil, nil }
func (m *memStore) SetAdmin(id string, admin bool) error {
	u := m.users[id]
	u.IsAdmin = admin
	m.users[id] = u
	return nil
}
func (m *memStore) SetPhoto(id string, url string) error {
	u := m.users[id]
	u.PhotoURL = url
	m.users[id] = u
	return nil
}
func (m *memStore) DeleteUsersBefore(cutoff time.Time) (int64, error) { return 0, nil }

func (m *memStore) UpsertGroup(group domain.Group) error {
	m.groups[group.ID] = group
	return nil
}
func (m *memStore) GetGroup(id int64) (domain.Group, bool, error) {
	g, ok := m.groups[id]
	return g, ok, nil
}
func (m *memStore) ListGroups(search string) ([]domain.Group, error) {
	var out []domain.Group
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out, nil
}
func (m *memStore) AddMember(groupID int64, userID string) error        { return nil }
func (m *memStore) DeleteMembersBefore(cutoff time.Time) (int64, error) { return 0, nil }

func (m *memStore) InsertSession(s domain.Session) error {
	m.sessions[s.ID] = s
	return nil
}
func (m *memStore) GetSession(id string) (domain.Session, bool, error) {
	s, ok := m.sessions[id]
	return s, ok, nil
}
func (m *memStore) DeleteSession(id string) error {
	delete(m.sessions, id)
	return nil
}

func (m *memStore) InsertToken(t domain.AccessToken) error {
	m.tokens[t.Token] = t
	return nil
}
func (m *memStore) GetToken(token string) (domain.AccessToken, bool, error) {
	t, ok := m.tokens[token]
	return t, ok, nil
}
func (m *memStore) DeleteToken(token string) error {
	delete(m.tokens, token)
	return nil
}
func (m *memStore) AttachAnnouncement(token string, groupID int64, messageID int) error { return nil }
func (m *memStore) ListTokensBefore(cutoff time.Time) ([]domain.AccessToken, error) {
	return nil, nil
}

func (m *memStore) InsertEntry(entry domain.AuditEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}
func (m *memStore) CountEdits(groupID, messageID int64) (int, error) {
	n := 0
	for _, e := range m.entries {
		if e.GroupID == groupID && e.MessageID == messageID && e.Activity == domain.ActivityEdit {
			n++
		}
	}
	return n, nil
}
func (m *memStore) QueryEntries(filter domain.EntryFilter) ([]domain.AuditEntry, int, error) {
	var matched []domain.AuditEntry
	for _, e := range m.entries {
		if filter.GroupID != 0 && e.GroupID != filter.GroupID {
			continue
		}
		if filter.Activity != "" && e.Activity != filter.Activity {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	offset := filter.Page * filter.Limit
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (m *memStore) InsertAttachment(att domain.Attachment) error {
	m.atts[att.MessageUUID] = append(m.atts[att.MessageUUID], att)
	return nil
}
func (m *memStore) ListAttachments(messageUUID string) ([]domain.Attachment, error) {
	return m.atts[messageUUID], nil
}
func (m *memStore) CountAttachments(messageUUID string) (int, error) {
	return len(m.atts[messageUUID]), nil
}

func (m *memStore) GetFreshFile(fileID string, since time.Time) (domain.CachedFile, bool, error) {
	f, ok := m.files[fileID]
	if !ok || f.RefreshedAt.Before(since) {
		return domain.CachedFile{}, false, nil
	}
	return f, true, nil
}
func (m *memStore) UpsertFile(fileID, url string) error {
	m.files[fileID] = domain.CachedFile{FileID: fileID, URL: url, RefreshedAt: time.Now()}
	return nil
}
func (m *memStore) DeleteFilesBefore(cutoff time.Time) (int64, error) { return 0, nil }

type stubGateway struct {
	admins map[int64][]int64
}

func (g *stubGateway) ResolveFileLink(fileID string) (string, error) {
	return "https://files.example.org/" + fileID, nil
}
func (g *stubGateway) ListAdmins(groupID int64) ([]int64, error) {
	return g.admins[groupID], nil
}
func (g *stubGateway) SendMessage(chatID int64, text string) (int, error) { return 1, nil }
func (g *stubGateway) DeleteMessage(chatID int64, messageID int) error    { return nil }

type testEnv struct {
	router  chi.Router
	store   *memStore
	gateway *stubGateway
	vault   *vault.Service
	auth    *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	gw := &stubGateway{admins: map[int64][]int64{}}
	cipher := cryptox.NewCipher(nil, zerolog.Nop())
	vaultSvc := vault.NewService(store, store, store, cipher, 0, zerolog.Nop())
	attachSvc := attachments.NewService(store, store, gw, zerolog.Nop())
	auditSvc := auditlog.NewService(store, vaultSvc, attachSvc, zerolog.Nop())
	authSvc := auth.NewService(store, store, vaultSvc, gw, auth.Config{
		BotToken:      testBotToken,
		ServerURL:     "https://audit.example.org:8443",
		WidgetEnabled: true,
		LinkEnabled:   true,
	}, zerolog.Nop())

	r := chi.NewRouter()
	NewHandler(authSvc, vaultSvc, auditSvc, zerolog.Nop()).Register(r)
	return &testEnv{router: r, store: store, gateway: gw, vault: vaultSvc, auth: authSvc}
}

// signIn регистрирует пользователя и создаёт сессию напрямую.
func (env *testEnv) signIn(t *testing.T, rawID int64, name string) (string, *domain.User) {
	t.Helper()
	pseudo, err := env.vault.RegisterUser(&domain.InboundUser{ID: rawID, Username: name, FirstName: name})
	if err != nil {
		t.Fatalf("регистрация пользователя: %v", err)
	}
	sessionID := "session-" + name
	env.store.sessions[sessionID] = domain.Session{ID: sessionID, UserID: pseudo, AuthDate: time.Now()}
	user, err := env.vault.ByPseudonym(pseudo)
	if err != nil {
		t.Fatalf("пользователь не найден: %v", err)
	}
	return sessionID, user
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func withSessionCookie(req *http.Request, sessionID string) *http.Request {
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: sessionID})
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	return body
}

func signWidgetQuery(authDate time.Time) url.Values {
	q := url.Values{}
	q.Set("id", "424242")
	q.Set("first_name", "Alice")
	q.Set("username", "alice")
	q.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))

	secret := sha256.Sum256([]byte(testBotToken))
	var pairs []string
	for _, key := range []string{"auth_date", "first_name", "id", "username"} {
		pairs = append(pairs, key+"="+q.Get(key))
	}
	sort.Strings(pairs)
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(strings.Join(pairs, "\n")))
	q.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return q
}

func TestAuthRedirectSetsSessionCookie(t *testing.T) {
	env := newTestEnv(t)
	q := signWidgetQuery(time.Now())

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/redirect?"+q.Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("ожидали 302, получили %d: %s", rec.Code, rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookie || cookies[0].Value == "" {
		t.Fatalf("cookie сессии не установлена: %+v", cookies)
	}
	if !cookies[0].HttpOnly {
		t.Fatal("cookie сессии должна быть HttpOnly")
	}
	if _, ok := env.store.sessions[cookies[0].Value]; !ok {
		t.Fatal("сессия не сохранена в хранилище")
	}
}

func TestAuthRedirectRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	q := signWidgetQuery(time.Now())
	q.Set("hash", strings.Repeat("0", 64))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/redirect?"+q.Encode(), nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("ожидали 403, получили %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != false {
		t.Fatalf("ожидали status=false: %v", body)
	}
}

func TestAuthRedirectRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/redirect?id=1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", rec.Code)
	}
}

func TestAuthTokenRejectsUnknown(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/token?token=nosuch", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("ожидали 403, получили %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid token" {
		t.Fatalf("ожидали ошибку invalid token: %v", body)
	}
}

func TestAuthTokenRedeemsOnce(t *testing.T) {
	env := newTestEnv(t)
	pseudo, err := env.vault.RegisterUser(&domain.InboundUser{ID: 7, Username: "bob"})
	if err != nil {
		t.Fatalf("регистрация: %v", err)
	}
	env.store.tokens["tok1"] = domain.AccessToken{Token: "tok1", UserID: pseudo, CreatedAt: time.Now()}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/token?token=tok1", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("ожидали 302, получили %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/auth/token?token=tok1", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("повторное погашение должно вернуть 403, получили %d", rec.Code)
	}
}

func TestQueryEndpointsRequireSession(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/users", "/api/users/5", "/api/groups", "/api/messages"} {
		rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: ожидали 403 без сессии, получили %d", path, rec.Code)
		}
		if body := decodeBody(t, rec); body["error"] != "Not logged in." {
			t.Fatalf("%s: неожиданное тело: %v", path, body)
		}
	}
}

func TestQueryEndpointsRejectForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	sessionID, _ := env.signIn(t, 1, "alice")

	req := withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/users", nil), sessionID)
	req.Header.Set("Origin", "https://evil.example.org")
	rec := env.do(req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("ожидали 403 для чужого Origin, получили %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Invalid origin." {
		t.Fatalf("неожиданное тело: %v", body)
	}
}

func TestListUsers(t *testing.T) {
	env := newTestEnv(t)
	sessionID, _ := env.signIn(t, 1, "alice")

	req := withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/users", nil), sessionID)
	req.Header.Set("Origin", "https://audit.example.org")
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != true {
		t.Fatalf("ожидали status=true: %v", body)
	}
	users, _ := body["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("ожидали одного пользователя, получили %v", body["users"])
	}
}

func TestGroupUsersRequireGroupAdmin(t *testing.T) {
	env := newTestEnv(t)
	sessionID, _ := env.signIn(t, 1, "alice")

	req := withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/users/5", nil), sessionID)
	rec := env.do(req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("не-администратор должен получить 403, получили %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Invalid permissions." {
		t.Fatalf("неожиданное тело: %v", body)
	}
}

func TestGroupUsersAllowsGlobalAdmin(t *testing.T) {
	env := newTestEnv(t)
	sessionID, user := env.signIn(t, 1, "alice")
	if err := env.store.SetAdmin(user.ID, true); err != nil {
		t.Fatalf("назначение администратора: %v", err)
	}

	req := withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/users/5", nil), sessionID)
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("администратор должен получить 200, получили %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListMessages(t *testing.T) {
	env := newTestEnv(t)
	sessionID, _ := env.signIn(t, 1, "alice")
	env.gateway.admins[-100] = []int64{1}
	for i := 0; i < 3; i++ {
		env.store.entries = append(env.store.entries, domain.AuditEntry{
			UUID:      strconv.Itoa(i),
			GroupID:   -100,
			MessageID: int64(i),
			Text:      "запись",
			Activity:  domain.ActivityPost,
			Timestamp: time.Now(),
		})
	}

	req := withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/messages?group_id=-100&limit=2", nil), sessionID)
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != true || body["total"] != float64(3) {
		t.Fatalf("неожиданный ответ: %v", body)
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("ожидали две записи на странице, получили %d", len(messages))
	}
}

func TestListGroupsScopedToAdministered(t *testing.T) {
	env := newTestEnv(t)
	sessionID, _ := env.signIn(t, 1, "alice")
	env.store.groups[5] = domain.Group{ID: 5, Name: "своя"}
	env.store.groups[7] = domain.Group{ID: 7, Name: "чужая"}
	env.gateway.admins[5] = []int64{1}

	req := withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/groups", nil), sessionID)
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	groups, _ := body["groups"].([]any)
	if len(groups) != 1 {
		t.Fatalf("ожидали только администрируемую группу, получили %v", body["groups"])
	}
	if g, _ := groups[0].(map[string]any); g["id"] != float64(5) {
		t.Fatalf("неожиданная группа в выдаче: %v", groups[0])
	}
}

func TestListMessagesScopedToAdministered(t *testing.T) {
	env := newTestEnv(t)
	sessionID, _ := env.signIn(t, 1, "alice")
	env.gateway.admins[5] = []int64{1}
	env.store.entries = append(env.store.entries,
		domain.AuditEntry{UUID: "a", GroupID: 5, MessageID: 1, Text: "своя", Activity: domain.ActivityPost, Timestamp: time.Now()},
		domain.AuditEntry{UUID: "b", GroupID: 7, MessageID: 2, Text: "чужая", Activity: domain.ActivityPost, Timestamp: time.Now()},
	)

	req := withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/messages", nil), sessionID)
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	messages, _ := body["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("рядовой пользователь не должен видеть чужие сообщения: %v", body["messages"])
	}
	if m, _ := messages[0].(map[string]any); m["group_id"] != float64(5) {
		t.Fatalf("в выдаче сообщение чужой группы: %v", messages[0])
	}
}

func TestListMessagesGlobalAdminSeesAll(t *testing.T) {
	env := newTestEnv(t)
	sessionID, user := env.signIn(t, 1, "alice")
	if err := env.store.SetAdmin(user.ID, true); err != nil {
		t.Fatalf("назначение администратора: %v", err)
	}
	env.store.entries = append(env.store.entries,
		domain.AuditEntry{UUID: "a", GroupID: 5, MessageID: 1, Activity: domain.ActivityPost, Timestamp: time.Now()},
		domain.AuditEntry{UUID: "b", GroupID: 7, MessageID: 2, Activity: domain.ActivityPost, Timestamp: time.Now()},
	)

	req := withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/messages", nil), sessionID)
	rec := env.do(req)
	body := decodeBody(t, rec)
	if messages, _ := body["messages"].([]any); len(messages) != 2 {
		t.Fatalf("глобальный администратор должен видеть всё, получили %v", body["messages"])
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	env := newTestEnv(t)
	sessionID, _ := env.signIn(t, 1, "alice")

	req := withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/auth/logout", nil), sessionID)
	rec := env.do(req)
	if rec.Code != http.StatusFound {
		t.Fatalf("ожидали 302, получили %d", rec.Code)
	}
	if _, ok := env.store.sessions[sessionID]; ok {
		t.Fatal("сессия должна быть удалена")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("cookie должна быть сброшена: %+v", cookies)
	}
}

func TestLoginRedirectsSignedIn(t *testing.T) {
	env := newTestEnv(t)
	sessionID, _ := env.signIn(t, 1, "alice")

	req := withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/auth/login", nil), sessionID)
	if rec := env.do(req); rec.Code != http.StatusSeeOther {
		t.Fatalf("ожидали 303 для вошедшего, получили %d", rec.Code)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/login", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200 для анонима, получили %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["widget_enabled"] != true {
		t.Fatalf("ожидали подсказки входа: %v", body)
	}
}
