package global

import "strconv"

// OnlineKeyPrefix namespaces presence markers on the backplane.
const OnlineKeyPrefix = "online:"

// OnlineKey builds the presence marker key, e.g. "online:42".
func OnlineKey(userID int64) string {
	return OnlineKeyPrefix + strconv.FormatInt(userID, 10)
}

// Backplane channel names.
const (
	ChannelAnnotations = "annotations"
	ChannelBookmarks   = "bookmarks"
	ChannelComments    = "comments"
	ChannelLikes       = "likes"
)

// SubscribedChannels is the fixed set every relay process listens on.
func SubscribedChannels() []string {
	return []string{ChannelAnnotations, ChannelBookmarks, ChannelComments, ChannelLikes}
}
