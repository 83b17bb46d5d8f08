package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// KeySize — требуемая длина ключа шифрования в байтах.
const KeySize = 32

const (
	nonceSize = 16
	tagSize   = 16
)

// Cipher выполняет псевдонимизацию (ключевой хэш) и обратимое
// шифрование полей. Пустой ключ переводит обе операции в деградированный
// режим сквозной передачи с однократным предупреждением.
type Cipher struct {
	key      []byte
	log      zerolog.Logger
	warnOnce sync.Once
}

// NewCipher создаёт шифратор. key либо пуст, либо ровно KeySize байт.
func NewCipher(key []byte, log zerolog.Logger) *Cipher {
	return &Cipher{key: key, log: log}
}

// Enabled сообщает, настроен ли ключ.
func (c *Cipher) Enabled() bool {
	return len(c.key) > 0
}

func (c *Cipher) warnDegraded() {
	c.warnOnce.Do(func() {
		c.log.Warn().Msg("cryptox: ключ шифрования не задан, поля хранятся открытым текстом")
	})
}

// Hash возвращает псевдоним значения: HMAC-SHA256 в hex. Без ключа
// значение возвращается как есть.
func (c *Cipher) Hash(value string) string {
	if !c.Enabled() {
		c.warnDegraded()
		return value
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Encrypt шифрует значение в конверт nonce_hex:tag_hex:ciphertext_hex.
// Пустое значение и отсутствие ключа проходят насквозь.
func (c *Cipher) Encrypt(value string) string {
	if value == "" {
		return value
	}
	if !c.Enabled() {
		c.warnDegraded()
		return value
	}
	aead, err := c.aead()
	if err != nil {
		c.log.Warn().Err(err).Msg("cryptox: не удалось инициализировать шифр")
		return value
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		c.log.Warn().Err(err).Msg("cryptox: не удалось получить nonce")
		return value
	}
	sealed := aead.Seal(nil, nonce, []byte(value), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext)
}

// Decrypt разбирает конверт и возвращает открытый текст. Повреждённый
// конверт или чужой ключ дают пустую строку и предупреждение — журнал
// должен продолжать работать и под ротированным ключом.
func (c *Cipher) Decrypt(envelope string) string {
	if envelope == "" {
		return envelope
	}
	if !c.Enabled() {
		c.warnDegraded()
		return envelope
	}
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		c.log.Warn().Msg("cryptox: неожиданный формат конверта")
		return ""
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		c.log.Warn().Msg("cryptox: некорректный nonce в конверте")
		return ""
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		c.log.Warn().Msg("cryptox: некорректный тег в конверте")
		return ""
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		c.log.Warn().Msg("cryptox: некорректный шифротекст в конверте")
		return ""
	}
	aead, err := c.aead()
	if err != nil {
		c.log.Warn().Err(err).Msg("cryptox: не удалось инициализировать шифр")
		return ""
	}
	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		c.log.Warn().Msg("cryptox: конверт не прошёл проверку подлинности")
		return ""
	}
	return string(plaintext)
}

func (c *Cipher) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
