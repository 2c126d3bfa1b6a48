// Package notify доставляет уведомления о движении средств пользователям
// и срочные сообщения администраторам.
//
// TelegramNotifier пишет в Telegram через очередь: операция с кошельком
// никогда не ждёт сети. LogNotifier используется, когда бот не настроен.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
)

// ErrQueueFull: очередь уведомлений переполнена, сообщение отброшено.
var ErrQueueFull = errors.New("очередь уведомлений переполнена")

// ErrClosed: уведомитель остановлен, сообщение не принято.
var ErrClosed = errors.New("уведомления остановлены")

// Sender: часть telego.Bot, которая нужна уведомлениям.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// NewBot создаёт клиента Telegram по токену.
func NewBot(token string) (*telego.Bot, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания Telegram-бота: %w", err)
	}
	return bot, nil
}

type message struct {
	chatID int64
	text   string
}

// TelegramNotifier отправляет сообщения в Telegram из фоновой горутины.
type TelegramNotifier struct {
	sender   Sender
	adminIDs []int64
	queue    chan message

	// mu защищает closed: после Close в очередь больше ничего не пишется
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewTelegramNotifier создаёт уведомитель и запускает воркер очереди.
// Close надо вызвать на shutdown: он дожидается отправки того, что уже в очереди.
func NewTelegramNotifier(sender Sender, adminIDs []int64, queueSize int) *TelegramNotifier {
	if queueSize <= 0 {
		queueSize = 1
	}
	n := &TelegramNotifier{
		sender:   sender,
		adminIDs: adminIDs,
		queue:    make(chan message, queueSize),
	}
	n.wg.Add(1)
	go n.worker()
	return n
}

// NotifyTransaction ставит уведомление о транзакции в очередь.
func (n *TelegramNotifier) NotifyTransaction(_ context.Context, ev wallet.Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		log.WithField("user_id", ev.UserID).Warn("Уведомления остановлены, уведомление отброшено")
		return ErrClosed
	}
	select {
	case n.queue <- message{chatID: ev.UserID, text: FormatTransaction(ev)}:
		return nil
	default:
		log.WithField("user_id", ev.UserID).Warn("Очередь уведомлений переполнена, уведомление отброшено")
		return ErrQueueFull
	}
}

// Alert отправляет сообщение всем администраторам сразу, без очереди.
func (n *TelegramNotifier) Alert(ctx context.Context, text string) error {
	if len(n.adminIDs) == 0 {
		log.WithField("alert", true).Error("ADMIN_IDS пуст, алерт некому отправить: " + text)
		return nil
	}
	var errs []error
	for _, id := range n.adminIDs {
		if _, err := n.sender.SendMessage(ctx, tu.Message(tu.ID(id), text)); err != nil {
			errs = append(errs, fmt.Errorf("админ %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close останавливает воркер после того, как очередь опустеет.
// Повторный вызов безопасен.
func (n *TelegramNotifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *TelegramNotifier) worker() {
	defer n.wg.Done()
	for m := range n.queue {
		_, err := n.sender.SendMessage(context.Background(), tu.Message(tu.ID(m.chatID), m.text))
		if err != nil {
			log.WithError(err).WithField("user_id", m.chatID).Warn("Не удалось отправить уведомление")
		}
	}
}

// LogNotifier пишет уведомления и алерты в лог.
type LogNotifier struct{}

// NotifyTransaction логирует транзакцию.
func (LogNotifier) NotifyTransaction(_ context.Context, ev wallet.Event) error {
	log.WithFields(log.Fields{
		"user_id": ev.UserID,
		"type":    ev.Type,
		"amount":  ev.AmountCents,
		"reason":  ev.Metadata.Reason(),
	}).Debug("Уведомление о транзакции")
	return nil
}

// Alert логирует алерт уровнем Error.
func (LogNotifier) Alert(_ context.Context, text string) error {
	log.WithField("alert", true).Error(text)
	return nil
}

// FormatTransaction собирает текст уведомления о транзакции.
func FormatTransaction(ev wallet.Event) string {
	var b strings.Builder
	if ev.Type == wallet.TxCredit {
		b.WriteString("💰 Зачисление ")
	} else {
		b.WriteString("💸 Списание ")
	}
	b.WriteString(common.FormatSignedMoney(ev.AmountCents, ev.Currency))
	reason := ev.Metadata.Reason()
	if title := reasonTitle(reason); title != "" {
		b.WriteString("\n")
		b.WriteString(title)
	}
	if strings.HasPrefix(reason, "points:") {
		b.WriteString(": ")
		b.WriteString(common.FormatPoints(ev.AmountCents))
	}
	b.WriteString("\nБаланс: ")
	b.WriteString(common.FormatMoney(ev.BalanceAfterCents, ev.Currency))
	return b.String()
}

func reasonTitle(reason string) string {
	switch {
	case reason == "topup":
		return "Пополнение счёта"
	case reason == "purchase":
		return "Покупка урока"
	case reason == "refund", reason == "reward_refund":
		return "Возврат средств"
	case reason == "reward_redemption":
		return "Обмен баллов на награду"
	case strings.HasPrefix(reason, "points:"):
		return "Баллы за активность"
	}
	return ""
}
