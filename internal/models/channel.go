package models

// ChannelIdentity binds an externally assigned channel id to the numeric
// surrogate key used by storage.
type ChannelIdentity struct {
	ChannelID      string `json:"channelId"`
	LocalChannelID int64  `json:"localChannelId"`
}
