// Package notifier delivers listing alerts and service notices to
// subscribers over Telegram.
package notifier

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"listing-radar-go/internal/config"
	"listing-radar-go/internal/models"
)

// botAPI is the slice of the Telegram client the notifier uses.
// Narrowed to an interface so tests can fake the transport.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends formatted listing cards. Sends are paced by a fixed
// delay so a burst of new listings stays inside Telegram's rate limits.
type Telegram struct {
	bot         botAPI
	sendDelay   time.Duration
	adminChatID int64
}

// New connects to the Telegram Bot API.
func New(cfg config.TelegramConfig) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	logrus.Infof("Telegram bot authorized as @%s", bot.Self.UserName)
	return &Telegram{
		bot:         bot,
		sendDelay:   cfg.SendDelay,
		adminChatID: cfg.AdminChatID,
	}, nil
}

func newWithBot(bot botAPI, delay time.Duration) *Telegram {
	return &Telegram{bot: bot, sendDelay: delay}
}

// SendListing delivers one listing card. A photo message with an HTML
// caption is tried first; if Telegram rejects it (dead image URL,
// oversized photo), the same content goes out as a plain text message
// so the subscriber never loses an alert over a broken image.
func (t *Telegram) SendListing(ctx context.Context, chatID int64, listing models.Listing) error {
	text := FormatListing(listing)

	if listing.ImageURL != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(listing.ImageURL))
		photo.Caption = text
		photo.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(photo); err == nil {
			return t.pace(ctx)
		} else {
			logrus.Warnf("Photo send failed for %s, retrying as text: %v", listing.ContentID, err)
			if err := t.pace(ctx); err != nil {
				return err
			}
		}
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send listing %s to chat %d: %w", listing.ContentID, chatID, err)
	}
	return t.pace(ctx)
}

// SendNotice delivers a plain service message (freeze notices, expiry
// reminders, admin alerts).
func (t *Telegram) SendNotice(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send notice to chat %d: %w", chatID, err)
	}
	return t.pace(ctx)
}

// NotifyAdmin reports an operational event to the admin chat, if one is
// configured. Failures are logged and swallowed; admin alerting must
// never break the pipeline.
func (t *Telegram) NotifyAdmin(ctx context.Context, text string) {
	if t.adminChatID == 0 {
		return
	}
	if err := t.SendNotice(ctx, t.adminChatID, text); err != nil {
		logrus.Errorf("Admin notice failed: %v", err)
	}
}

func (t *Telegram) pace(ctx context.Context) error {
	if t.sendDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(t.sendDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FormatListing renders the HTML card for one listing. Field rows vary
// by category; empty fields are omitted rather than rendered as dashes.
func FormatListing(l models.Listing) string {
	var sb strings.Builder

	switch l.Category {
	case models.CategoryCar:
		sb.WriteString("🚗 <b>")
	case models.CategoryProperty:
		sb.WriteString("🏠 <b>")
	default:
		sb.WriteString("🛒 <b>")
	}
	sb.WriteString(html.EscapeString(l.Title))
	sb.WriteString("</b>\n\n")

	fmt.Fprintf(&sb, "💰 <b>%s</b>\n", html.EscapeString(l.Price))

	if v := l.Details.Vehicle; v != nil {
		writeRow(&sb, "📅 Letnik", v.Year)
		writeRow(&sb, "🛣 Prevoženi km", v.Mileage)
		writeRow(&sb, "⛽️ Gorivo", v.Fuel)
		writeRow(&sb, "⚙️ Menjalnik", v.Transmission)
		writeRow(&sb, "🔧 Motor", v.Engine)
	}
	if p := l.Details.Property; p != nil {
		writeRow(&sb, "📐 Velikost", p.Area)
		writeRow(&sb, "🚪 Sobe", p.Rooms)
		writeRow(&sb, "🏷 Tip", p.Type)
		writeRow(&sb, "📍 Lokacija", p.Location)
	}
	if it := l.Details.Item; it != nil {
		writeRow(&sb, "📍 Lokacija", it.Location)
		writeRow(&sb, "🕒 Objavljeno", it.Published)
	}

	fmt.Fprintf(&sb, "\n🔗 <a href=\"%s\">Odpri oglas</a>", l.Link)
	return sb.String()
}

func writeRow(sb *strings.Builder, label string, val *string) {
	if val == nil || strings.TrimSpace(*val) == "" {
		return
	}
	fmt.Fprintf(sb, "%s: %s\n", label, html.EscapeString(strings.TrimSpace(*val)))
}

// FreezeNotice is the one-time message sent when a search trips the
// failure threshold and stops being scanned.
func FreezeNotice(searchURL string) string {
	return "⚠️ <b>Iskanje zamrznjeno</b>\n\n" +
		"Naslednje iskanje večkrat zapored ni uspelo in je bilo ustavljeno:\n" +
		fmt.Sprintf("<code>%s</code>\n\n", html.EscapeString(searchURL)) +
		"Preveri, ali povezava še deluje, in jo dodaj znova."
}

// ExpiryReminder warns a subscriber shortly before their plan lapses.
func ExpiryReminder(expiresAt time.Time) string {
	return "⏳ <b>Naročnina kmalu poteče</b>\n\n" +
		fmt.Sprintf("Tvoja naročnina poteče %s. Po poteku se obveščanje ustavi.",
			expiresAt.Format("2.1.2006"))
}

// ExpiredNotice tells a subscriber their plan has lapsed and scanning
// stopped.
func ExpiredNotice() string {
	return "🛑 <b>Naročnina je potekla</b>\n\n" +
		"Obveščanje za tvoja iskanja je ustavljeno. Obnovi naročnino za nadaljevanje."
}
