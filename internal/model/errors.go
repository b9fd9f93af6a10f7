package model

import "errors"

var (
	// ErrAlreadyLoggedIn is returned by login when a usable session exists.
	ErrAlreadyLoggedIn = errors.New("already logged in")

	// ErrNotLoggedIn is returned by logout when no session exists.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrExchangeFailed is returned when the provider rejects an authorization code.
	ErrExchangeFailed = errors.New("authorization code exchange failed")

	// ErrReauthRequired is returned when no usable token can be produced.
	ErrReauthRequired = errors.New("re-authorization required")

	// ErrUnknownState is returned when a redirect carries a state nobody issued.
	ErrUnknownState = errors.New("unknown oauth2 state")

	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")

	// ErrNotFound is returned when no file record matches.
	ErrNotFound = errors.New("file not found")

	// ErrForbidden is returned when the file record belongs to another user.
	ErrForbidden = errors.New("file belongs to another user")

	// ErrInvalidName is returned for empty display names.
	ErrInvalidName = errors.New("invalid file name")
)
