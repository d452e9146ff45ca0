package mailer

import (
	"encoding/base64"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// Receipt holds the ticket fields rendered into the confirmation email.
type Receipt struct {
	TicketID      string
	Amount        int64
	ReceiptNumber string
	PaidPhone     string
	PaidAt        *time.Time
	StatusURL     string
}

// Subject returns the email subject line for a receipt.
func (r Receipt) Subject() string {
	return fmt.Sprintf("Payment confirmed for ticket %s", r.TicketID)
}

// RenderHTML builds the receipt body. The status URL is embedded both as a
// link and as an inline QR code so the ticket can be shown at the gate.
func (r Receipt) RenderHTML() string {
	var b strings.Builder

	b.WriteString("<div style=\"font-family:sans-serif;max-width:480px\">")
	b.WriteString("<h2>Your payment is confirmed</h2>")
	b.WriteString("<table cellpadding=\"4\">")
	fmt.Fprintf(&b, "<tr><td>Ticket</td><td><strong>%s</strong></td></tr>", html.EscapeString(r.TicketID))
	fmt.Fprintf(&b, "<tr><td>Amount</td><td>KES %d</td></tr>", r.Amount)
	if r.ReceiptNumber != "" {
		fmt.Fprintf(&b, "<tr><td>Receipt</td><td>%s</td></tr>", html.EscapeString(r.ReceiptNumber))
	}
	if r.PaidPhone != "" {
		fmt.Fprintf(&b, "<tr><td>Paid from</td><td>%s</td></tr>", html.EscapeString(r.PaidPhone))
	}
	if r.PaidAt != nil {
		fmt.Fprintf(&b, "<tr><td>Paid at</td><td>%s</td></tr>", r.PaidAt.Format(time.RFC1123))
	}
	b.WriteString("</table>")

	if r.StatusURL != "" {
		fmt.Fprintf(&b, "<p><a href=\"%s\">View your ticket</a></p>", html.EscapeString(r.StatusURL))
		if qr := qrDataURI(r.StatusURL); qr != "" {
			fmt.Fprintf(&b, "<p><img src=\"%s\" alt=\"Ticket QR code\" width=\"200\" height=\"200\"/></p>", qr)
		}
	}
	b.WriteString("</div>")

	return b.String()
}

// qrDataURI renders the URL as an inline PNG. QR rendering is a presentation
// concern: a failure here degrades the email, never the confirmation.
func qrDataURI(url string) string {
	png, err := qrcode.Encode(url, qrcode.Medium, 200)
	if err != nil {
		log.Printf("level=warn component=mailer msg=\"qr render failed; sending receipt without code\" err=%v", err)
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
