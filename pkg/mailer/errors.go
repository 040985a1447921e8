package mailer

import "errors"

var (
	ErrInvalidConfig  = errors.New("mailer.errors.invalid_config")
	ErrInvalidMessage = errors.New("mailer.errors.invalid_message")
	ErrSendFailed     = errors.New("mailer.errors.send_failed")
)
