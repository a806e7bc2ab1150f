package utils

import (
	"regexp"
	"unicode"
	"unicode/utf8"
)

var (
	meetingIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)
)

const (
	maxMeetingIDLength = 128
	maxNameLength      = 100
)

func IsLengthValid(str string, minLen, maxLen int) bool {
	length := utf8.RuneCountInString(str)
	return length >= minLen && length <= maxLen
}

// IsMeetingIDValid accepts opaque ids such as UUIDs or slugs.
func IsMeetingIDValid(id string) bool {
	return IsLengthValid(id, 1, maxMeetingIDLength) && meetingIDRegex.MatchString(id)
}

// IsNameValid accepts printable display names without leading or trailing spaces.
func IsNameValid(name string) bool {
	if !IsLengthValid(name, 1, maxNameLength) {
		return false
	}
	first, _ := utf8.DecodeRuneInString(name)
	last, _ := utf8.DecodeLastRuneInString(name)
	if unicode.IsSpace(first) || unicode.IsSpace(last) {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
