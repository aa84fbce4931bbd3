package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/interpsync/internal/store/memstore"
)

func TestDispatcherRoutesByKind(t *testing.T) {
	reg := NewRegistry()
	var pushed, telegrammed []string
	reg.Register("push:", func(_ context.Context, _ string, n Notification) error {
		pushed = append(pushed, n.Kind)
		return nil
	})
	reg.Register("telegram:", func(_ context.Context, _ string, n Notification) error {
		telegrammed = append(telegrammed, n.Kind)
		return nil
	})

	d := NewDispatcher(reg,
		Route{Target: "push:"},
		Route{Kinds: []string{KindMention}, Target: "telegram:1"},
	)
	ctx := context.Background()
	if err := d.Notify(ctx, Notification{Kind: KindNewMessage}); err != nil {
		t.Fatal(err)
	}
	if err := d.Notify(ctx, Notification{Kind: KindMention}); err != nil {
		t.Fatal(err)
	}

	if len(pushed) != 2 {
		t.Errorf("expected push for every kind, got %v", pushed)
	}
	if len(telegrammed) != 1 || telegrammed[0] != KindMention {
		t.Errorf("expected telegram for mentions only, got %v", telegrammed)
	}
}

func TestDispatcherJoinsErrors(t *testing.T) {
	d := NewDispatcher(NewRegistry(), Route{Target: "nowhere:"})
	if err := d.Notify(context.Background(), Notification{Kind: KindMention}); err == nil {
		t.Error("expected delivery error")
	}
}

func TestInvokeHandler(t *testing.T) {
	store := memstore.New()
	store.HandleFunc("send-push-notification", func(_ context.Context, payload json.RawMessage) (any, error) {
		return map[string]any{"sent": 1}, nil
	})
	store.HandleFunc("broken", func(context.Context, json.RawMessage) (any, error) {
		return map[string]string{"error": "no devices"}, nil
	})

	h := InvokeHandler(store, "send-push-notification")
	n := Notification{Kind: KindNewMessage, ChannelID: "ch1", MessageID: "m1", Body: "hi"}
	if err := h(context.Background(), "push:", n); err != nil {
		t.Fatal(err)
	}
	calls := store.Calls("send-push-notification")
	if len(calls) != 1 || !strings.Contains(string(calls[0]), `"channel_id":"ch1"`) {
		t.Errorf("unexpected payloads %s", calls)
	}

	if err := InvokeHandler(store, "broken")(context.Background(), "push:", n); err == nil {
		t.Error("expected error reported by the function")
	}
}

type fakeBot struct {
	sent      []tgbotapi.MessageConfig
	failFirst bool
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, msg)
	if f.failFirst && len(f.sent) == 1 {
		return tgbotapi.Message{}, errors.New("can't parse entities")
	}
	return tgbotapi.Message{}, nil
}

func TestTelegramHandler(t *testing.T) {
	bot := &fakeBot{failFirst: true}
	tg := &Telegram{bot: bot}

	n := Notification{Kind: KindMention, SenderName: "Ana", Body: "see @you"}
	if err := tg.Handler()(context.Background(), "telegram:42", n); err != nil {
		t.Fatal(err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("expected markdown attempt and plain retry, got %d sends", len(bot.sent))
	}
	if bot.sent[1].ParseMode != "" || bot.sent[1].ChatID != 42 {
		t.Errorf("unexpected retry %+v", bot.sent[1])
	}
	if !strings.Contains(bot.sent[1].Text, "Ana") {
		t.Errorf("expected sender in text, got %q", bot.sent[1].Text)
	}

	if err := tg.Handler()(context.Background(), "telegram:abc", n); err == nil {
		t.Error("expected invalid chat id error")
	}
}

func TestSplitMessageLong(t *testing.T) {
	parts := splitMessage(strings.Repeat("a", 5000))
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("<p>Hello <strong>world</strong></p>", 0); got != "Hello **world**" {
		t.Errorf("unexpected html preview %q", got)
	}
	if got := Preview("plain   text\nbody", 0); got != "plain text body" {
		t.Errorf("unexpected plain preview %q", got)
	}
	long := strings.Repeat("word ", 50)
	got := Preview(long, 20)
	if len([]rune(got)) > 20 || !strings.HasSuffix(got, "…") {
		t.Errorf("expected truncated preview, got %q", got)
	}
}
