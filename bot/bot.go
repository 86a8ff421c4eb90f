package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gopkg.in/tucnak/telebot.v2"

	"github.com/slashbinslashnoname/p2p-market-orders/logkey"
	"github.com/slashbinslashnoname/p2p-market-orders/models"
	"github.com/slashbinslashnoname/p2p-market-orders/notify"
	"github.com/slashbinslashnoname/p2p-market-orders/orders"
)

// Button identifiers
const (
	btnMyOrders = "my_orders"
	btnHelp     = "help"

	// Order buttons carry the order id as callback data
	btnConfirmPayment  = "confirm_payment"
	btnConfirmDelivery = "confirm_delivery"
)

const (
	requestTimeout = 15 * time.Second
	// Limit to 10 orders per role to stay under Telegram rate limits
	maxListed = 10
)

// Bot is the Telegram surface of the order engine. It also delivers
// notifications to users whose id is a Telegram chat id.
type Bot struct {
	teleBot *telebot.Bot
	engine  *orders.Engine
	// Button instances
	btnOrders *telebot.InlineButton
	btnHelp   *telebot.InlineButton
}

// NewBot creates a new Bot instance
func NewBot(token string, engine *orders.Engine) (*Bot, error) {
	bot, err := telebot.NewBot(telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		teleBot:   bot,
		engine:    engine,
		btnOrders: &telebot.InlineButton{Unique: btnMyOrders, Text: "📋 My Orders"},
		btnHelp:   &telebot.InlineButton{Unique: btnHelp, Text: "❓ Help"},
	}, nil
}

// Emit sends a notification to the user's Telegram chat, with the button for
// the next step the user can take on the order. Users that are not
// identified by a Telegram id are skipped.
func (b *Bot) Emit(ctx context.Context, in notify.Intent) error {
	chatID, ok := chatIDOf(in.UserID)
	if !ok {
		return nil
	}
	text := fmt.Sprintf("%s\n\n%s", in.Title, in.Body)
	opts := []interface{}{}
	if o, err := b.engine.GetOrder(ctx, in.UserID, in.Ctx.OrderID); err == nil {
		if menu := orderMenu(o, in.UserID); menu != nil {
			opts = append(opts, menu)
		}
	}
	if _, err := b.teleBot.Send(&telebot.Chat{ID: chatID}, text, opts...); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// Start registers the handlers and polls until Stop is called
func (b *Bot) Start() {
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnMyOrders}, func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
		b.listOrders(c.Sender)
	})

	b.teleBot.Handle(&telebot.InlineButton{Unique: btnHelp}, func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
		b.showHelp(c.Sender)
	})

	b.teleBot.Handle(&telebot.InlineButton{Unique: btnConfirmPayment}, func(c *telebot.Callback) {
		b.callback(c, "Payment confirmed. The buyer has been notified.", func(ctx context.Context, actor, id string) error {
			_, err := b.engine.ConfirmPaymentReceived(ctx, actor, id)
			return err
		})
	})

	b.teleBot.Handle(&telebot.InlineButton{Unique: btnConfirmDelivery}, func(c *telebot.Callback) {
		b.callback(c, "Delivery confirmed. Thank you!", func(ctx context.Context, actor, id string) error {
			_, err := b.engine.ConfirmDelivery(ctx, actor, id)
			return err
		})
	})

	b.teleBot.Handle("/start", func(m *telebot.Message) {
		b.sendMainMenu(m.Sender)
	})

	b.teleBot.Handle("/help", func(m *telebot.Message) {
		b.showHelp(m.Sender)
	})

	b.teleBot.Handle("/orders", func(m *telebot.Message) {
		b.listOrders(m.Sender)
	})

	b.teleBot.Handle("/dispute", func(m *telebot.Message) {
		b.openDispute(m)
	})

	b.teleBot.Handle("/proof", func(m *telebot.Message) {
		b.teleBot.Send(m.Sender, "Send the payment screenshot as a photo with the caption:\n/proof <order_id> <transaction_reference>")
	})

	b.teleBot.Handle(telebot.OnPhoto, func(m *telebot.Message) {
		b.submitProof(m)
	})

	b.teleBot.Handle(telebot.OnText, func(m *telebot.Message) {
		// If message doesn't start with a command, show the main menu
		if !strings.HasPrefix(m.Text, "/") {
			b.sendMainMenu(m.Sender)
		}
	})

	slog.Info("telegram bot started")
	b.teleBot.Start()
}

// Stop stops polling
func (b *Bot) Stop() {
	b.teleBot.Stop()
}

func (b *Bot) sendMainMenu(to *telebot.User) {
	menu := &telebot.ReplyMarkup{}
	menu.InlineKeyboard = [][]telebot.InlineButton{
		{*b.btnOrders},
		{*b.btnHelp},
	}
	b.teleBot.Send(to, "Welcome to the P2P marketplace! Choose an option:", menu)
}

func (b *Bot) showHelp(to *telebot.User) {
	helpText := `*P2P Marketplace Help*

*Available Commands:*
/orders - List your orders as buyer and seller
/proof - How to submit a payment proof
/dispute <order_id> <reason> - Open a dispute
/help - Show this help message

*How it works:*
1. Pay the seller with the payment details you received
2. Send the screenshot as a photo with the caption /proof <order_id> <reference>
3. The seller confirms the payment received
4. Confirm delivery once you have the item

*Order Status:*
⏳ Initiated - Waiting for payment
📨 Proof sent - Waiting for the seller to confirm
💰 Confirmed - Payment received, waiting for delivery
✅ Delivered - Order complete
⚠️ Disputed - Under review

Sellers who do not confirm within 24 hours are disputed automatically.`

	b.teleBot.Send(to, helpText, telebot.ModeMarkdown)
}

func (b *Bot) listOrders(to *telebot.User) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	actor := userID(to)

	// seller first: listing as seller sweeps expired deadlines
	for _, role := range []models.Role{models.RoleSeller, models.RoleBuyer} {
		list, err := b.engine.ListOrders(ctx, actor, role)
		if err != nil {
			slog.Error("failed to list orders", slog.String(logkey.UserID, actor), slog.String(logkey.Error, err.Error()))
			b.teleBot.Send(to, "Failed to fetch orders")
			return
		}
		if len(list) == 0 {
			continue
		}

		b.teleBot.Send(to, fmt.Sprintf("📋 Orders as %s (%d):", role, len(list)))
		now := time.Now()
		for i := range list {
			if i == maxListed {
				b.teleBot.Send(to, fmt.Sprintf("Showing the first %d orders.", maxListed))
				break
			}
			o := &list[i]
			opts := []interface{}{}
			if menu := orderMenu(o, actor); menu != nil {
				opts = append(opts, menu)
			}
			b.teleBot.Send(to, formatOrder(o, actor, now), opts...)
		}
	}

	blocked, err := b.engine.IsSellerBlocked(ctx, actor)
	if err != nil {
		slog.Error("failed to check seller block", slog.String(logkey.UserID, actor), slog.String(logkey.Error, err.Error()))
		return
	}
	if blocked {
		b.teleBot.Send(to, "⚠️ You have an open dispute. Publishing new listings is blocked until it is resolved.")
	}
}

func (b *Bot) submitProof(m *telebot.Message) {
	orderID, ref, ok := parseProofCaption(m.Caption)
	if !ok {
		b.teleBot.Send(m.Sender, "To submit a proof, add the caption:\n/proof <order_id> <transaction_reference>")
		return
	}
	if m.Photo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := b.engine.SubmitProof(ctx, userID(m.Sender), orderID, orders.ProofInput{
		ScreenshotRef:  m.Photo.FileID,
		TransactionRef: ref,
	})
	if err != nil {
		b.teleBot.Send(m.Sender, userMessage(err))
		return
	}
	b.teleBot.Send(m.Sender, "📨 Proof submitted. The seller has been asked to confirm your payment.")
}

func (b *Bot) openDispute(m *telebot.Message) {
	orderID, reason, ok := parseDispute(m.Payload)
	if !ok {
		b.teleBot.Send(m.Sender, "Usage: /dispute <order_id> <reason>")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := b.engine.OpenOrderDispute(ctx, userID(m.Sender), orderID, reason); err != nil {
		b.teleBot.Send(m.Sender, userMessage(err))
		return
	}
	b.teleBot.Send(m.Sender, "⚠️ Dispute opened. The order is frozen until it has been reviewed.")
}

func (b *Bot) callback(c *telebot.Callback, success string, apply func(ctx context.Context, actor, id string) error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := apply(ctx, userID(c.Sender), c.Data); err != nil {
		b.teleBot.Respond(c, &telebot.CallbackResponse{
			Text:      userMessage(err),
			ShowAlert: true,
		})
		return
	}
	b.teleBot.Respond(c, &telebot.CallbackResponse{Text: success})
}

func userID(u *telebot.User) string {
	return strconv.FormatInt(int64(u.ID), 10)
}

func chatIDOf(userID string) (int64, bool) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
