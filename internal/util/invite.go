package util

import "crypto/rand"

const inviteAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// InviteCodeLength is the fixed length of workspace invite codes.
const InviteCodeLength = 10

// NewInviteCode returns a random code of the given length where each
// character is drawn uniformly from the alphanumeric alphabet. Rejection
// sampling keeps the distribution uniform; 62 does not divide 256.
func NewInviteCode(length int) string {
	code := make([]byte, 0, length)
	buf := make([]byte, length)
	// Accept bytes below the largest multiple of len(alphabet) <= 256.
	max := byte(256 - 256%len(inviteAlphabet))
	for len(code) < length {
		_, _ = rand.Read(buf)
		for _, b := range buf {
			if b >= max {
				continue
			}
			code = append(code, inviteAlphabet[int(b)%len(inviteAlphabet)])
			if len(code) == length {
				break
			}
		}
	}
	return string(code)
}
