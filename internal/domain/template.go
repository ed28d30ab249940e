package domain

import "time"

type Template struct {
	ID        string
	Channel   Channel
	Subject   string
	BodyText  string
	BodyHTML  string
	Variables []string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usable reports whether the template can produce a body for its channel.
// SMS can only carry plain text.
func (t *Template) Usable() bool {
	switch t.Channel {
	case ChannelEmail:
		return t.BodyText != "" || t.BodyHTML != ""
	case ChannelSMS:
		return t.BodyText != ""
	default:
		return false
	}
}
