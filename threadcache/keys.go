package threadcache

import "strconv"

// Key layout shared by every instance pointed at the same store.
const (
	itemKeyPrefix    = "comment:item:"
	articleKeyPrefix = "comment:article:"
	membersKeySuffix = ":members"
	emptyKeySuffix   = ":empty"

	// RecencyKey is the sorted set ordering article threads by last touch.
	RecencyKey = "comment:articles:lru"
)

func ItemKey(commentID int64) string {
	return itemKeyPrefix + strconv.FormatInt(commentID, 10)
}

func MembersKey(articleID int64) string {
	return membersKeyFor(articleMember(articleID))
}

func EmptyMarkerKey(articleID int64) string {
	return emptyKeyFor(articleMember(articleID))
}

func articleMember(articleID int64) string {
	return strconv.FormatInt(articleID, 10)
}

func membersKeyFor(member string) string {
	return articleKeyPrefix + member + membersKeySuffix
}

func emptyKeyFor(member string) string {
	return articleKeyPrefix + member + emptyKeySuffix
}

// itemKeysFor maps membership set entries, which are decimal comment ids, to item keys.
func itemKeysFor(members []string) []string {
	keys := make([]string, len(members))
	for i, member := range members {
		keys[i] = itemKeyPrefix + member
	}
	return keys
}
