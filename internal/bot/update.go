package bot

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Attachment is a file sent to the bot.
type Attachment struct {
	FileID   string
	FileName string // empty when Telegram provides none
	MIMEType string
	Size     int64
}

// Update is the part of a Telegram update the dispatcher acts on.
type Update struct {
	ID         int
	UserID     int64
	ChatID     int64
	Text       string
	Caption    string
	Attachment *Attachment
}

// User returns the user identity used as the store key.
func (u Update) User() string {
	return strconv.FormatInt(u.UserID, 10)
}

// Command splits a "/cmd@bot args" message into the lowercase command name
// and its trimmed arguments. ok is false for plain text.
func (u Update) Command() (name, args string, ok bool) {
	text := strings.TrimSpace(u.Text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	name, args, _ = strings.Cut(text[1:], " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(args), name != ""
}

// fromTelegram converts a Bot API update. ok is false for updates without
// a user message.
func fromTelegram(tu tgbotapi.Update) (Update, bool) {
	msg := tu.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return Update{}, false
	}

	u := Update{
		ID:      tu.UpdateID,
		UserID:  msg.From.ID,
		ChatID:  msg.Chat.ID,
		Text:    msg.Text,
		Caption: msg.Caption,
	}

	switch {
	case msg.Document != nil:
		u.Attachment = &Attachment{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MIMEType: msg.Document.MimeType,
			Size:     int64(msg.Document.FileSize),
		}
	case len(msg.Photo) > 0:
		// the last size is the largest
		p := msg.Photo[len(msg.Photo)-1]
		u.Attachment = &Attachment{
			FileID:   p.FileID,
			FileName: fmt.Sprintf("photo_%s.jpg", p.FileID),
			MIMEType: "image/jpeg",
			Size:     int64(p.FileSize),
		}
	case msg.Video != nil:
		u.Attachment = &Attachment{
			FileID:   msg.Video.FileID,
			FileName: msg.Video.FileName,
			MIMEType: msg.Video.MimeType,
			Size:     int64(msg.Video.FileSize),
		}
	case msg.Audio != nil:
		u.Attachment = &Attachment{
			FileID:   msg.Audio.FileID,
			FileName: msg.Audio.FileName,
			MIMEType: msg.Audio.MimeType,
			Size:     int64(msg.Audio.FileSize),
		}
	}
	if u.Attachment != nil && u.Attachment.MIMEType == "" {
		u.Attachment.MIMEType = "application/octet-stream"
	}
	return u, true
}
