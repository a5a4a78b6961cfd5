// Package validation содержит функции валидации входных данных.
package validation

const (
	minCodeLength = 6
	maxCodeLength = 32
)

// IsValidInvitationCode проверяет формат кода приглашения: от 6 до 32 символов,
// только заглавные латинские буквы и цифры.
func IsValidInvitationCode(code string) bool {
	if len(code) < minCodeLength || len(code) > maxCodeLength {
		return false
	}

	for i := 0; i < len(code); i++ {
		ch := code[i]
		if ch >= '0' && ch <= '9' {
			continue
		}
		if ch >= 'A' && ch <= 'Z' {
			continue
		}
		return false
	}

	return true
}
