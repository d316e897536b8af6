package notify

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"

	"moonvpn/internal/models"
	"moonvpn/internal/pkg/utils"
)

// Notifier receives fire-and-forget events. Implementations must not block
// the caller or report errors back to it.
type Notifier interface {
	AccountExpired(acc models.ClientAccount)
	TrafficExceeded(acc models.ClientAccount)
	MigrationFailed(acc models.ClientAccount, reason string, err error)
	PanelUnhealthy(panelID uint, reason string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) AccountExpired(models.ClientAccount)                 {}
func (Nop) TrafficExceeded(models.ClientAccount)                {}
func (Nop) MigrationFailed(models.ClientAccount, string, error) {}
func (Nop) PanelUnhealthy(uint, string)                         {}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram delivers events to the account owner (when user ids are Telegram
// chat ids) and to the admin chat.
type Telegram struct {
	bot     sender
	adminID int64
	timeout time.Duration
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewTelegram builds an offline bot client; it never polls for updates.
func NewTelegram(token string, adminID string, log *zap.Logger) (*Telegram, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	admin, _ := strconv.ParseInt(strings.TrimSpace(adminID), 10, 64)
	return newTelegram(bot, admin, log), nil
}

func newTelegram(bot sender, adminID int64, log *zap.Logger) *Telegram {
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{bot: bot, adminID: adminID, timeout: 10 * time.Second, log: log}
}

// New returns a Telegram notifier when a token is configured, Nop otherwise.
func New(token, adminID string, log *zap.Logger) Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(token) == "" {
		return Nop{}
	}
	t, err := NewTelegram(token, adminID, log)
	if err != nil {
		log.Warn("notifications disabled", zap.Error(err))
		return Nop{}
	}
	return t
}

func (t *Telegram) AccountExpired(acc models.ClientAccount) {
	t.toUser(acc.UserID, fmt.Sprintf("⏳ Your subscription %s has expired.\nRenew it to keep using the service.", acc.Email))
}

func (t *Telegram) TrafficExceeded(acc models.ClientAccount) {
	t.toUser(acc.UserID, fmt.Sprintf("📉 Your subscription %s has used all of its traffic (%s).",
		acc.Email, utils.FormatBytes(acc.TrafficQuota)))
}

func (t *Telegram) MigrationFailed(acc models.ClientAccount, reason string, err error) {
	t.toAdmin(fmt.Sprintf("⚠️ Migration failed\naccount: %d (%s)\npanel: %d\nreason: %s\nerror: %v",
		acc.ID, acc.Email, acc.PanelID, reason, err))
}

func (t *Telegram) PanelUnhealthy(panelID uint, reason string) {
	t.toAdmin(fmt.Sprintf("🔴 Panel %d is unhealthy: %s", panelID, reason))
}

func (t *Telegram) toUser(userID, text string) {
	id, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil || id == 0 {
		return
	}
	t.send(id, text)
}

func (t *Telegram) toAdmin(text string) {
	if t.adminID == 0 {
		return
	}
	t.send(t.adminID, text)
}

func (t *Telegram) send(chatID int64, text string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic: %v", r)
				}
			}()
			_, err := t.bot.Send(tele.ChatID(chatID), text)
			done <- err
		}()

		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		select {
		case err := <-done:
			if err != nil {
				t.log.Warn("notification failed", zap.Int64("chat_id", chatID), zap.Error(err))
			}
		case <-timer.C:
			t.log.Warn("notification timed out", zap.Int64("chat_id", chatID))
		}
	}()
}

// Wait blocks until in-flight notifications finish or time out.
func (t *Telegram) Wait() {
	t.wg.Wait()
}
