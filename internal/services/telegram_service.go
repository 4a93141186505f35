package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/example/storefront/internal/models"
	"github.com/shopspring/decimal"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramService handles sending notifications to Telegram.
type TelegramService struct {
	botToken    string
	adminChatID string
	apiBase     string
	client      *http.Client
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string) *TelegramService {
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
		apiBase:     telegramAPIBase,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends a message to specified chat.
func (s *TelegramService) SendMessage(chatID, text string) error {
	if s.botToken == "" {
		log.Println("[Telegram] Bot token not configured")
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.botToken)

	body, err := json.Marshal(telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}

	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Telegram] Failed to send message: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Telegram] Unexpected status: %d", resp.StatusCode)
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(text string) error {
	if s.adminChatID == "" {
		log.Println("[Telegram] Admin chat ID not configured")
		return nil
	}
	return s.SendMessage(s.adminChatID, text)
}

// FormatPrice formats an amount with thousand separators and currency code.
func FormatPrice(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = "INR"
	}
	str := amount.StringFixed(2)
	whole, frac, _ := strings.Cut(str, ".")
	neg := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")

	var result strings.Builder
	if neg {
		result.WriteString("-")
	}
	length := len(whole)
	for i, digit := range whole {
		if i > 0 && (length-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}
	if frac != "00" {
		result.WriteString("." + frac)
	}

	return result.String() + " " + currency
}

// FormatOrderMessage renders the admin notification for a placed order.
func FormatOrderMessage(order *models.Order) string {
	var itemsList strings.Builder
	for i, item := range order.Items {
		name := item.Name
		if item.Variant != nil && *item.Variant != "" {
			name += " (" + *item.Variant + ")"
		}
		itemsList.WriteString(fmt.Sprintf("%d. <b>%s</b>\n   %d x %s = %s\n",
			i+1,
			name,
			item.Quantity,
			FormatPrice(item.UnitPrice, order.Currency),
			FormatPrice(item.LineTotal, order.Currency),
		))
	}

	paymentMethodText := "Cash on delivery"
	if order.PaymentMethod == models.PaymentMethodOnline {
		paymentMethodText = "Online"
	}

	statusText := "⏳ Pending"
	if order.PaymentStatus == models.PaymentStatusPaid {
		statusText = "✅ Paid"
	}

	message := fmt.Sprintf(`<b>🛒 NEW ORDER</b>
<b>📋 Order:</b> %s
<b>👤 Customer:</b> %s
<b>📞 Phone:</b> %s
<b>📍 Ship to:</b> %s, %s %s
<b>📦 Items:</b>
%s
<b>🚚 Shipping:</b> %s
<b>💰 Total:</b> %s
<b>💳 Payment:</b> %s
<b>📍 Status:</b> %s
━━━━━━━━━━━━━━━━━━`,
		order.OrderNumber,
		order.ShippingName,
		order.ContactPhone,
		order.ShippingCity,
		order.ShippingState,
		order.ShippingPincode,
		itemsList.String(),
		FormatPrice(order.ShippingFee, order.Currency),
		FormatPrice(order.Total, order.Currency),
		paymentMethodText,
		statusText,
	)
	return strings.TrimSpace(message)
}

// NotifyNewOrder sends notification about new order to admin chat.
func (s *TelegramService) NotifyNewOrder(order *models.Order) error {
	if s.adminChatID == "" || order == nil {
		return nil
	}
	return s.SendToAdmin(FormatOrderMessage(order))
}
