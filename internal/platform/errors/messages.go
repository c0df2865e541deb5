package errors

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ralph0830/trpg/internal/platform/i18n"
)

// messageArgs lists the metadata keys fed to each localized template, in
// order.
var messageArgs = map[Code][]string{
	CodeSessionFull:      {"max_players"},
	CodeValidationFailed: {"reason"},
}

func init() {
	set := func(tag language.Tag, entries map[Code]string) {
		for code, text := range entries {
			_ = message.SetString(tag, string(code), text)
		}
	}
	set(language.AmericanEnglish, map[Code]string{
		CodeUnknown:           "Something went wrong.",
		CodeSessionNotFound:   "That session does not exist.",
		CodeSessionFull:       "The session is full (%s players max).",
		CodeNotJoined:         "Join a session first.",
		CodeCharacterNotFound: "That character does not exist.",
		CodeValidationFailed:  "Invalid request: %s",
		CodeStoreFailure:      "The game could not be saved. Please try again.",
	})
	set(language.Korean, map[Code]string{
		CodeUnknown:           "알 수 없는 오류가 발생했습니다.",
		CodeSessionNotFound:   "세션을 찾을 수 없습니다.",
		CodeSessionFull:       "세션이 가득 찼습니다 (최대 %s명).",
		CodeNotJoined:         "먼저 세션에 참가해주세요.",
		CodeCharacterNotFound: "캐릭터를 찾을 수 없습니다.",
		CodeValidationFailed:  "잘못된 요청입니다: %s",
		CodeStoreFailure:      "게임을 저장하지 못했습니다. 다시 시도해주세요.",
	})
}

// Localize renders the user-facing message for err in tag's language.
// Errors without a domain code render as CodeUnknown.
func Localize(tag language.Tag, err error) string {
	code := CodeOf(err)
	metadata := MetadataOf(err)
	keys := messageArgs[code]
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = metadata[key]
	}
	return i18n.Printer(tag).Sprintf(string(code), args...)
}
