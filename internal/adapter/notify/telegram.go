package notify

import (
	"context"
	"fmt"

	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

type telegramSender interface {
	Send(to tb.Recipient, what interface{}, options ...interface{}) (*tb.Message, error)
}

// TelegramNotifier alerts the operator chat that a bank transfer is due, so
// someone watches the statement and verifies it.
type TelegramNotifier struct {
	bot  telegramSender
	chat tb.ChatID
}

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tb.NewBot(tb.Settings{
		Token: token,
		// Send only; no update polling.
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chat: tb.ChatID(chatID)}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, in domain.PaymentInstruction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	text := fmt.Sprintf("💸 *Pending bank transfer*\n\nItem: %s (#%d)\nAmount: %s %s\nReference: `%s`\nAttempt: %d\nBuyer: %s",
		escapeMarkdown(in.ItemTitle), in.ItemID,
		domain.FormatAmount(in.Amount), in.Currency,
		in.Reference, in.AttemptID, escapeMarkdown(in.BuyerEmail),
	)
	if _, err := n.bot.Send(n.chat, text, tb.ModeMarkdown); err != nil {
		return fmt.Errorf("telegram alert for attempt %d: %w", in.AttemptID, err)
	}
	return nil
}

func escapeMarkdown(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '_', '*', '`', '[':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
