package validation

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// Room ids are hex-encoded 128-bit MAC outputs, always 32 lowercase hex chars.
var roomIDRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)

func init() {
	MustRegisterGin("roomid", ValidateRoomID)
	MustRegisterGinAlias("displayname", "min=1,max=20")
	MustRegisterGinAlias("b64", "base64")
}

// ValidateRoomID validates the derived room id format: exactly 32 lowercase hex characters
func ValidateRoomID(fl validator.FieldLevel) bool {
	return roomIDRegex.MatchString(fl.Field().String())
}
