package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/tucnak/telebot.v2"

	"github.com/slashbinslashnoname/p2p-market-orders/models"
	"github.com/slashbinslashnoname/p2p-market-orders/orders"
)

func statusEmoji(s models.Status) string {
	switch s {
	case models.StatusInitiated:
		return "⏳"
	case models.StatusProofSent:
		return "📨"
	case models.StatusConfirmed:
		return "💰"
	case models.StatusDelivered:
		return "✅"
	case models.StatusDisputed:
		return "⚠️"
	case models.StatusCancelled:
		return "❌"
	}
	return "•"
}

func formatOrder(o *models.Order, viewer string, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s\n", o.ID)
	fmt.Fprintf(&sb, "🔹 Product: %s\n", o.ProductTitle)
	fmt.Fprintf(&sb, "🔹 Total: %d\n", o.TotalAmount)
	if o.RoleOf(viewer) == models.RoleSeller {
		fmt.Fprintf(&sb, "🔹 You receive: %d (fee %d)\n", o.SellerNet, o.PlatformFee)
	} else {
		fmt.Fprintf(&sb, "🔹 Pay to: %s %s via %s\n", o.Payment.HolderName, o.Payment.RecipientPhone, o.Payment.MethodID)
	}
	fmt.Fprintf(&sb, "🔹 Date: %s\n", o.CreatedAt.Format(time.RFC822))
	fmt.Fprintf(&sb, "🔹 Status: %s %s", statusEmoji(o.Status), o.Status)
	if o.Status == models.StatusProofSent && o.AutoDisputeAt != nil {
		fmt.Fprintf(&sb, "\n🔹 Auto-dispute in: %s", orders.FormatRemainingTimeAt(*o.AutoDisputeAt, now))
	}
	if o.Status == models.StatusDisputed && o.DisputeReason != "" {
		fmt.Fprintf(&sb, "\n🔹 Reason: %s", o.DisputeReason)
	}
	return sb.String()
}

func confirmPaymentButton(orderID string) telebot.InlineButton {
	return telebot.InlineButton{Unique: btnConfirmPayment, Text: "✅ Confirm Payment Received", Data: orderID}
}

func confirmDeliveryButton(orderID string) telebot.InlineButton {
	return telebot.InlineButton{Unique: btnConfirmDelivery, Text: "📦 Confirm Delivery", Data: orderID}
}

// orderMenu returns the action the viewer can take on o, if any
func orderMenu(o *models.Order, viewer string) *telebot.ReplyMarkup {
	var btn telebot.InlineButton
	switch {
	case o.Status == models.StatusProofSent && o.RoleOf(viewer) == models.RoleSeller:
		btn = confirmPaymentButton(o.ID)
	case o.Status == models.StatusConfirmed && o.RoleOf(viewer) == models.RoleBuyer:
		btn = confirmDeliveryButton(o.ID)
	default:
		return nil
	}
	return &telebot.ReplyMarkup{InlineKeyboard: [][]telebot.InlineButton{{btn}}}
}

// parseProofCaption reads "/proof <order_id> <reference>"
func parseProofCaption(caption string) (orderID, ref string, ok bool) {
	fields := strings.Fields(caption)
	if len(fields) != 3 || fields[0] != "/proof" {
		return "", "", false
	}
	return fields[1], fields[2], true
}

// parseDispute reads "<order_id> <reason...>"
func parseDispute(payload string) (orderID, reason string, ok bool) {
	fields := strings.Fields(payload)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], strings.Join(fields[1:], " "), true
}

func userMessage(err error) string {
	switch orders.KindOf(err) {
	case orders.KindValidation:
		var e *orders.Error
		if errors.As(err, &e) && e.Err != nil {
			return "Invalid request: " + e.Err.Error()
		}
		return "Invalid request"
	case orders.KindNotFound:
		return "Order not found"
	case orders.KindTransition:
		if s := orders.StatusOf(err); s != "" {
			return fmt.Sprintf("This action is not available, the order is %s", s)
		}
		return "This action is not available"
	case orders.KindConflict:
		return "The order was just updated by someone else. Check /orders and try again."
	}
	return "Something went wrong, please try again later"
}
