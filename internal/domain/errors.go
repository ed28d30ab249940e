package domain

import "errors"

var (
	ErrMessageNotFound   = errors.New("message not found")
	ErrInvalidTransition = errors.New("invalid message status transition")
	ErrMessageExpired    = errors.New("message expired")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrTemplateInactive  = errors.New("template is inactive")
	ErrTemplateUnusable  = errors.New("template has no renderable body for channel")
	ErrMissingVariable   = errors.New("missing required template variable")
	ErrSmsTooLong        = errors.New("sms text exceeds maximum length")
	ErrInvalidEvent      = errors.New("invalid notification event")
	ErrUnknownChannel    = errors.New("unknown notification channel")
)
