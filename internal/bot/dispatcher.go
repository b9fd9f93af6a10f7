// Package bot turns Telegram updates into session and transfer operations
// and renders the replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jun/drivebot/internal/conversation"
	"github.com/jun/drivebot/internal/model"
)

// Auth is the session manager as seen by the dispatcher.
type Auth interface {
	BeginLogin(ctx context.Context, userID string, chatID int64) (string, error)
	CompleteLogin(ctx context.Context, code, userID string) (*model.Session, error)
	DemoLogin(ctx context.Context, userID string) (*model.Session, error)
	Logout(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (*model.Session, error)
}

// Files is the transfer service as seen by the dispatcher.
type Files interface {
	Upload(ctx context.Context, userID string, r io.Reader, name, mimeType string) (*model.FileRecord, error)
	Download(ctx context.Context, userID, ref string) (*model.FileRecord, io.ReadCloser, error)
	List(ctx context.Context, userID string) ([]model.FileRecord, error)
	Delete(ctx context.Context, userID, ref string) (*model.FileRecord, error)
	Forget(ctx context.Context, userID string) (int, error)
}

// Options tune a Dispatcher.
type Options struct {
	Logger  *slog.Logger
	Workers int

	// Demo logs users in without a provider round trip.
	Demo bool
}

// Dispatcher routes updates to handlers.
type Dispatcher struct {
	auth    Auth
	files   Files
	msgr    Messenger
	pending *conversation.Tracker
	logger  *slog.Logger
	workers int
	demo    bool
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(auth Auth, files Files, msgr Messenger, pending *conversation.Tracker, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if pending == nil {
		pending = conversation.NewTracker(0)
	}
	return &Dispatcher{
		auth:    auth,
		files:   files,
		msgr:    msgr,
		pending: pending,
		logger:  opts.Logger,
		workers: opts.Workers,
		demo:    opts.Demo,
	}
}

// Run handles updates until updates is closed or ctx is done. At most
// Workers users are served at once; a user's updates are queued and
// handled in arrival order by the worker holding that user, so one busy
// user occupies a single slot.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan Update) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	var mu sync.Mutex
	// queues holds the waiting updates of every user with a worker; a
	// present key means the user is being served.
	queues := make(map[int64][]Update)

	serve := func(u Update) error {
		for {
			d.Handle(ctx, u)

			mu.Lock()
			q := queues[u.UserID]
			if len(q) == 0 || ctx.Err() != nil {
				delete(queues, u.UserID)
				mu.Unlock()
				return nil
			}
			next := q[0]
			queues[u.UserID] = q[1:]
			mu.Unlock()
			u = next
		}
	}

	for {
		var u Update
		var ok bool
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case u, ok = <-updates:
		}
		if !ok {
			break
		}

		mu.Lock()
		if q, busy := queues[u.UserID]; busy {
			queues[u.UserID] = append(q, u)
			mu.Unlock()
			continue
		}
		queues[u.UserID] = nil
		mu.Unlock()

		g.Go(func() error { return serve(u) })
	}
	return g.Wait()
}

// Handle processes one update. Panics are recovered and reported to the
// user so one failing update never stops the others.
func (d *Dispatcher) Handle(ctx context.Context, u Update) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic handling update", "update_id", u.ID, "panic", r, "stack", string(debug.Stack()))
			d.reply(ctx, u.ChatID, msgInternalError)
		}
	}()

	logger := d.logger.With("update_id", u.ID, "user_id", u.UserID)
	if name, args, ok := u.Command(); ok {
		logger.Debug("command", "name", name)
		d.handleCommand(ctx, u, name, args)
		return
	}
	if u.Attachment != nil {
		d.handleAttachment(ctx, u)
		return
	}
	d.handleText(ctx, u)
}

func (d *Dispatcher) handleCommand(ctx context.Context, u Update, name, args string) {
	switch name {
	case "start":
		d.reply(ctx, u.ChatID, msgWelcome)
	case "menu", "help":
		d.reply(ctx, u.ChatID, msgMenu)
	case "login":
		d.login(ctx, u)
	case "auth":
		d.authCode(ctx, u, args)
	case "logout":
		d.logout(ctx, u)
	case "status":
		d.status(ctx, u)
	case "cancel":
		if d.pending.Cancel(u.User()) {
			d.reply(ctx, u.ChatID, msgCancelled)
		} else {
			d.reply(ctx, u.ChatID, msgNothingToCancel)
		}
	case "list":
		d.list(ctx, u)
	case "get":
		d.get(ctx, u, args)
	case "delete":
		d.delete(ctx, u, args)
	default:
		d.reply(ctx, u.ChatID, msgUnknownCommand)
	}
}

func (d *Dispatcher) login(ctx context.Context, u Update) {
	if d.demo {
		sess, err := d.auth.DemoLogin(ctx, u.User())
		if err != nil {
			d.replyError(ctx, u, "demo login", err)
			return
		}
		d.reply(ctx, u.ChatID, fmt.Sprintf(msgLoggedInAs, sess.AccountEmail))
		return
	}

	url, err := d.auth.BeginLogin(ctx, u.User(), u.ChatID)
	if err != nil {
		d.replyError(ctx, u, "begin login", err)
		return
	}
	d.reply(ctx, u.ChatID, fmt.Sprintf(msgLoginURL, url))
}

func (d *Dispatcher) authCode(ctx context.Context, u Update, code string) {
	if code == "" {
		d.reply(ctx, u.ChatID, msgAuthUsage)
		return
	}
	sess, err := d.auth.CompleteLogin(ctx, code, u.User())
	if err != nil {
		d.replyError(ctx, u, "complete login", err)
		return
	}
	d.reply(ctx, u.ChatID, fmt.Sprintf(msgLoggedInAs, accountName(sess)))
}

func (d *Dispatcher) logout(ctx context.Context, u Update) {
	if err := d.auth.Logout(ctx, u.User()); err != nil {
		d.replyError(ctx, u, "logout", err)
		return
	}
	d.pending.Cancel(u.User())

	n, err := d.files.Forget(ctx, u.User())
	if err != nil {
		d.logger.Error("failed to forget files", "user_id", u.UserID, "error", err)
	}
	d.reply(ctx, u.ChatID, fmt.Sprintf(msgLoggedOut, n))
}

func (d *Dispatcher) status(ctx context.Context, u Update) {
	sess, err := d.auth.Status(ctx, u.User())
	if errors.Is(err, model.ErrNotLoggedIn) {
		d.reply(ctx, u.ChatID, msgStatusLoggedOut)
		return
	}
	if err != nil {
		d.replyError(ctx, u, "status", err)
		return
	}
	recs, err := d.files.List(ctx, u.User())
	if err != nil {
		d.replyError(ctx, u, "status", err)
		return
	}
	d.reply(ctx, u.ChatID, fmt.Sprintf(msgStatusLoggedIn, accountName(sess), len(recs)))
}

func (d *Dispatcher) list(ctx context.Context, u Update) {
	recs, err := d.files.List(ctx, u.User())
	if err != nil {
		d.replyError(ctx, u, "list", err)
		return
	}
	d.reply(ctx, u.ChatID, renderList(recs))
}

func (d *Dispatcher) get(ctx context.Context, u Update, ref string) {
	if ref == "" {
		d.reply(ctx, u.ChatID, msgGetUsage)
		return
	}
	rec, rc, err := d.files.Download(ctx, u.User(), ref)
	if err != nil {
		d.replyError(ctx, u, "download", err)
		return
	}
	defer rc.Close()

	if rec.Size > MaxSendSize {
		d.reply(ctx, u.ChatID, fmt.Sprintf(msgTooLargeToSend, rec.Name))
		return
	}
	if err := d.msgr.SendDocument(ctx, u.ChatID, rec.Name, rc); err != nil {
		d.logger.Error("failed to send document", "user_id", u.UserID, "file_id", rec.ID, "error", err)
		d.reply(ctx, u.ChatID, msgDownloadFailed)
	}
}

func (d *Dispatcher) delete(ctx context.Context, u Update, ref string) {
	if ref == "" {
		d.reply(ctx, u.ChatID, msgDeleteUsage)
		return
	}
	rec, err := d.files.Delete(ctx, u.User(), ref)
	if err != nil {
		d.replyError(ctx, u, "delete", err)
		return
	}
	d.reply(ctx, u.ChatID, fmt.Sprintf(msgDeleted, rec.Name))
}

func (d *Dispatcher) handleAttachment(ctx context.Context, u Update) {
	a := u.Attachment
	if _, err := d.auth.Status(ctx, u.User()); err != nil {
		d.replyError(ctx, u, "upload", err)
		return
	}
	if a.Size > MaxDownloadSize {
		d.reply(ctx, u.ChatID, msgTooLargeToReceive)
		return
	}

	if name := strings.TrimSpace(u.Caption); name != "" {
		d.upload(ctx, u, a.FileID, name, a.MIMEType)
		return
	}

	original := a.FileName
	if original == "" {
		original = a.FileID
	}
	d.pending.Put(u.User(), conversation.PendingUpload{
		ChatID:       u.ChatID,
		FileID:       a.FileID,
		OriginalName: original,
		MIMEType:     a.MIMEType,
		Size:         a.Size,
	})
	d.reply(ctx, u.ChatID, fmt.Sprintf(msgAskFilename, original))
}

func (d *Dispatcher) handleText(ctx context.Context, u Update) {
	p, ok := d.pending.Take(u.User())
	if !ok {
		d.reply(ctx, u.ChatID, msgSendFileFirst)
		return
	}
	name := strings.TrimSpace(u.Text)
	if name == "" {
		d.pending.Put(u.User(), *p)
		d.reply(ctx, u.ChatID, msgEmptyFilename)
		return
	}
	d.upload(ctx, u, p.FileID, name, p.MIMEType)
}

func (d *Dispatcher) upload(ctx context.Context, u Update, fileID, name, mimeType string) {
	rc, err := d.msgr.OpenFile(ctx, fileID)
	if err != nil {
		d.logger.Error("failed to fetch attachment", "user_id", u.UserID, "error", err)
		d.reply(ctx, u.ChatID, msgUploadFailed)
		return
	}
	defer rc.Close()

	rec, err := d.files.Upload(ctx, u.User(), rc, name, mimeType)
	if err != nil {
		d.replyError(ctx, u, "upload", err)
		return
	}
	d.reply(ctx, u.ChatID, fmt.Sprintf(msgUploaded, rec.Name))
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) {
	if err := d.msgr.Send(ctx, chatID, text); err != nil {
		d.logger.Error("failed to send reply", "chat_id", chatID, "error", err)
	}
}

// replyError reports err to the user. Known errors get their own message;
// anything else is logged and answered generically.
func (d *Dispatcher) replyError(ctx context.Context, u Update, op string, err error) {
	text, known := errorMessage(err)
	if known {
		d.logger.Debug(op+" failed", "user_id", u.UserID, "error", err)
	} else {
		d.logger.Error(op+" failed", "user_id", u.UserID, "error", err)
	}
	d.reply(ctx, u.ChatID, text)
}

func accountName(s *model.Session) string {
	if s.AccountEmail != "" {
		return s.AccountEmail
	}
	return "your Google account"
}
