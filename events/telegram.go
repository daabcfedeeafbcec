package events

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Sender is the part of *tgbotapi.BotAPI the notifier uses
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier forwards alert-worthy events to one chat
type TelegramNotifier struct {
	bot     Sender
	chatID  int64
	queue   chan Event
	limiter *rate.Limiter
	wg      sync.WaitGroup
}

func NewTelegramNotifier(bot Sender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{
		bot:     bot,
		chatID:  chatID,
		queue:   make(chan Event, 100),
		limiter: rate.NewLimiter(25, 1), // 25 msgs/sec
	}
}

// Start runs the send worker until ctx is done
func (n *TelegramNotifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-n.queue:
				if err := n.limiter.Wait(ctx); err != nil {
					return
				}
				msg := tgbotapi.NewMessage(n.chatID, FormatAlert(ev))
				if _, err := n.bot.Send(msg); err != nil {
					log.Warn().Err(err).Str("type", string(ev.Type)).Msg("telegram send failed")
				}
			}
		}
	}()
}

// Wait blocks until the worker has exited
func (n *TelegramNotifier) Wait() {
	n.wg.Wait()
}

func (n *TelegramNotifier) Publish(_ context.Context, ev Event) error {
	if !Alertable(ev) {
		return nil
	}
	select {
	case n.queue <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("telegram queue full, dropping alert")
	}
	return nil
}

// Alertable selects the events worth a chat message
func Alertable(ev Event) bool {
	switch ev.Type {
	case IntruderTrigger, PositionSold, WalletsImported:
		return true
	case Log:
		if d, ok := ev.Data.(LogData); ok {
			return d.Level == "error" || d.Level == "warn"
		}
	}
	return false
}

// FormatAlert renders an event as a plain-text message
func FormatAlert(ev Event) string {
	var b strings.Builder
	switch ev.Type {
	case IntruderTrigger:
		b.WriteString("🚨 Intruder trigger")
	case PositionSold:
		b.WriteString("💰 Position sold")
	case WalletsImported:
		b.WriteString("📥 Wallets imported")
	case Log:
		if d, ok := ev.Data.(LogData); ok {
			fmt.Fprintf(&b, "⚠️ [%s] %s: %s", d.Level, d.Kind, d.Message)
			return b.String()
		}
		b.WriteString("⚠️ Engine event")
	default:
		b.WriteString(string(ev.Type))
	}

	switch d := ev.Data.(type) {
	case map[string]interface{}:
		for _, k := range sortedKeys(d) {
			fmt.Fprintf(&b, "\n%s: %v", k, d[k])
		}
	case nil:
	default:
		fmt.Fprintf(&b, "\n%+v", d)
	}
	return b.String()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
