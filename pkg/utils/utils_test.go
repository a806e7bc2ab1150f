package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLengthValid(t *testing.T) {
	var result bool
	result = IsLengthValid("test", 2, 10)
	assert.True(t, result)

	result = IsLengthValid("", 2, 10)
	assert.False(t, result)

	result = IsLengthValid("1234567891011", 2, 10)
	assert.False(t, result)

	result = IsLengthValid("разДваТри!", 2, 10)
	assert.True(t, result)
}

func TestIsMeetingIDValid(t *testing.T) {
	assert.True(t, IsMeetingIDValid("M1"))
	assert.True(t, IsMeetingIDValid("3f2b9c1e-6a4d-4f7e-9b1a-2c3d4e5f6a7b"))
	assert.True(t, IsMeetingIDValid("team.standup:2024-05"))

	assert.False(t, IsMeetingIDValid(""))
	assert.False(t, IsMeetingIDValid("-leading"))
	assert.False(t, IsMeetingIDValid("has space"))
	assert.False(t, IsMeetingIDValid("a/b"))
	assert.False(t, IsMeetingIDValid(strings.Repeat("a", 129)))
}

func TestIsNameValid(t *testing.T) {
	assert.True(t, IsNameValid("Cheburek"))
	assert.True(t, IsNameValid("Чебурек Кек"))
	assert.True(t, IsNameValid("Jane O'Neil (guest)"))
	assert.True(t, IsNameValid("李雷"))
	assert.True(t, IsNameValid("A"))

	assert.False(t, IsNameValid(""))
	assert.False(t, IsNameValid("Фундук "))
	assert.False(t, IsNameValid(" Фундук"))
	assert.False(t, IsNameValid("bad\x00name"))
	assert.False(t, IsNameValid(strings.Repeat("n", 101)))
}
