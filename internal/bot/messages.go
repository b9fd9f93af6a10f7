package bot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jun/drivebot/internal/model"
)

const (
	msgWelcome = "Hi! I store the files you send me in your Google Drive.\n" +
		"Use /login to connect your account and /menu to see what I can do."

	msgMenu = "Available commands:\n" +
		"/start - start the bot\n" +
		"/login - connect your Google Drive\n" +
		"/auth <code> - finish login with a code you copied\n" +
		"/logout - disconnect and forget your files\n" +
		"/status - show who you are logged in as\n" +
		"/list - list uploaded files\n" +
		"/get <number or id> - download a file\n" +
		"/delete <number or id> - delete a file\n" +
		"/cancel - cancel a pending upload\n" +
		"/menu - show this menu\n\n" +
		"Uploading:\n" +
		"- Send a document or photo.\n" +
		"- The caption becomes the file name.\n" +
		"- Without a caption I ask for a name; include the extension, e.g. report.pdf."

	msgLoginURL          = "Open this link to allow access to your Google Drive:\n%s\n\nThe link is valid for 10 minutes."
	msgLoggedInAs        = "Logged in as %s."
	msgLoggedOut         = "Logged out. Forgot %d file(s); they stay in your Drive."
	msgStatusLoggedIn    = "Logged in as %s. %d file(s) uploaded."
	msgStatusLoggedOut   = "Not logged in. Use /login to connect your Google Drive."
	msgAuthUsage         = "Usage: /auth <code>"
	msgGetUsage          = "Usage: /get <number or id>. See /list."
	msgDeleteUsage       = "Usage: /delete <number or id>. See /list."
	msgUnknownCommand    = "Unknown command. Use /menu to see the commands."
	msgCancelled         = "Upload cancelled."
	msgNothingToCancel   = "Nothing to cancel."
	msgAskFilename       = "File received: %s\nSend the name to save it under, including the extension. /cancel to abort."
	msgEmptyFilename     = "The file name cannot be empty. Send a valid name."
	msgSendFileFirst     = "Send me a file first, or use /menu."
	msgUploaded          = "File '%s' uploaded to Google Drive."
	msgDeleted           = "File '%s' deleted."
	msgNoFiles           = "No files uploaded yet."
	msgTooLargeToReceive = "The file is too large. Bots can only receive files up to 20 MB."
	msgTooLargeToSend    = "'%s' is too large to send through Telegram (50 MB limit)."

	msgAlreadyLoggedIn = "You are already logged in. Use /logout first to switch accounts."
	msgNotLoggedIn     = "You are not logged in. Use /login to log in."
	msgReauthRequired  = "Your Google authorization expired. Use /login to log in again."
	msgExchangeFailed  = "Login failed. The code may be wrong or expired; use /login to try again."
	msgUploadFailed    = "Upload failed. Please try again."
	msgDownloadFailed  = "Download failed. Please try again."
	msgDeleteFailed    = "Delete failed. Please try again."
	msgFileNotFound    = "No such file. Use /list to see your files."
	msgForbidden       = "That file belongs to someone else."
	msgInvalidName     = "That file name is not valid."
	msgInternalError   = "Something went wrong. Please try again."
)

var errorMessages = []struct {
	err  error
	text string
}{
	{model.ErrAlreadyLoggedIn, msgAlreadyLoggedIn},
	{model.ErrNotLoggedIn, msgNotLoggedIn},
	{model.ErrReauthRequired, msgReauthRequired},
	{model.ErrExchangeFailed, msgExchangeFailed},
	{model.ErrUploadFailed, msgUploadFailed},
	{model.ErrDownloadFailed, msgDownloadFailed},
	{model.ErrDeleteFailed, msgDeleteFailed},
	{model.ErrNotFound, msgFileNotFound},
	{model.ErrForbidden, msgForbidden},
	{model.ErrInvalidName, msgInvalidName},
}

// errorMessage returns the user-facing text for err and whether err is a
// known failure.
func errorMessage(err error) (string, bool) {
	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			return m.text, true
		}
	}
	return msgInternalError, false
}

// renderList formats records as numbered lines usable with /get and /delete.
func renderList(recs []model.FileRecord) string {
	if len(recs) == 0 {
		return msgNoFiles
	}
	var b strings.Builder
	b.WriteString("Your files:\n")
	for i, r := range recs {
		mime := r.MIMEType
		if mime == "" {
			mime = "unknown"
		}
		fmt.Fprintf(&b, "%d. %s (%s, %s)\n   id: %s\n", i+1, r.Name, mime, humanize.IBytes(uint64(r.Size)), r.ID)
	}
	b.WriteString("\nUse /get <number> to download or /delete <number> to delete.")
	return b.String()
}
