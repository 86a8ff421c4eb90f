package notify

import (
	"fmt"

	"github.com/slashbinslashnoname/p2p-market-orders/models"
)

func intent(userID string, kind Kind, o *models.Order, title, body string) Intent {
	return Intent{
		UserID: userID,
		Kind:   kind,
		Title:  title,
		Body:   body,
		Ctx:    Context{OrderID: o.ID, ProductID: o.ProductID},
	}
}

// OrderCreated tells the buyer how to pay and the seller that an order arrived
func OrderCreated(o *models.Order) []Intent {
	return []Intent{
		intent(o.BuyerID, KindPaymentInstructions, o, "Complete your payment",
			fmt.Sprintf("Send %d to %s (%s) via %s, then submit your proof of payment for %q.",
				o.TotalAmount, o.Payment.HolderName, o.Payment.RecipientPhone, o.Payment.MethodID, o.ProductTitle)),
		intent(o.SellerID, KindNewOrder, o, "New order",
			fmt.Sprintf("A buyer started checkout for %q. Total %d, you receive %d after fees.",
				o.ProductTitle, o.TotalAmount, o.SellerNet)),
	}
}

// ProofSubmitted tells the seller to check the payment and the buyer that the proof was recorded
func ProofSubmitted(o *models.Order) []Intent {
	ref := ""
	if o.Proof != nil {
		ref = o.Proof.TransactionRef
	}
	return []Intent{
		intent(o.SellerID, KindProofSubmitted, o, "Payment proof received",
			fmt.Sprintf("The buyer says they paid %d for %q (reference %s). Check your account and confirm receipt.",
				o.TotalAmount, o.ProductTitle, ref)),
		intent(o.BuyerID, KindProofSubmitted, o, "Proof submitted",
			fmt.Sprintf("Your proof of payment for %q was sent to the seller.", o.ProductTitle)),
	}
}

// PaymentConfirmed tells both parties the seller acknowledged the payment
func PaymentConfirmed(o *models.Order) []Intent {
	return []Intent{
		intent(o.BuyerID, KindPaymentConfirmed, o, "Payment confirmed",
			fmt.Sprintf("The seller confirmed your payment for %q. Confirm delivery once you have the item.", o.ProductTitle)),
		intent(o.SellerID, KindPaymentConfirmed, o, "Payment confirmed",
			fmt.Sprintf("You confirmed payment for %q. Hand over or ship the item now.", o.ProductTitle)),
	}
}

// OrderDelivered closes the order for both parties and asks the buyer for a rating
func OrderDelivered(o *models.Order) []Intent {
	return []Intent{
		intent(o.BuyerID, KindOrderDelivered, o, "Order complete",
			fmt.Sprintf("You confirmed delivery of %q.", o.ProductTitle)),
		intent(o.SellerID, KindOrderDelivered, o, "Order complete",
			fmt.Sprintf("The buyer confirmed delivery of %q.", o.ProductTitle)),
		intent(o.BuyerID, KindRatingPrompt, o, "Rate your seller",
			fmt.Sprintf("How was your purchase of %q? Leave a rating for the seller.", o.ProductTitle)),
	}
}

// OrderDisputed tells both parties the order is frozen for review
func OrderDisputed(o *models.Order) []Intent {
	return []Intent{
		intent(o.BuyerID, KindOrderDisputed, o, "Order disputed",
			fmt.Sprintf("The order for %q is under review: %s", o.ProductTitle, o.DisputeReason)),
		intent(o.SellerID, KindOrderDisputed, o, "Order disputed",
			fmt.Sprintf("The order for %q is under review: %s. You cannot publish new listings until it is resolved.",
				o.ProductTitle, o.DisputeReason)),
	}
}

// PaymentReminder nudges the seller to act on a pending proof
func PaymentReminder(o *models.Order, remaining string) []Intent {
	return []Intent{
		intent(o.SellerID, KindPaymentReminder, o, "Payment waiting for confirmation",
			fmt.Sprintf("The buyer of %q is waiting for you to confirm their payment. The order is disputed automatically in %s.",
				o.ProductTitle, remaining)),
	}
}
