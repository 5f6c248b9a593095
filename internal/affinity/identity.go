package affinity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// ClientSessionDelimiter separates the client-declared conversation id inside
// metadata.user_id, e.g. "user_abc_account__session_<id>".
const ClientSessionDelimiter = "_session_"

// fingerprintMessages is how many leading messages are hashed.
const fingerprintMessages = 3

// ExtractClientID returns the conversation id the client declared, or "".
// metadata.user_id is checked for the "_session_" convention first, then
// metadata.session_id is used verbatim.
func ExtractClientID(body map[string]any) string {
	meta, ok := body["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	if userID, ok := meta["user_id"].(string); ok {
		if idx := strings.LastIndex(userID, ClientSessionDelimiter); idx >= 0 {
			if id := strings.TrimSpace(userID[idx+len(ClientSessionDelimiter):]); id != "" {
				return id
			}
		}
	}
	if sid, ok := meta["session_id"].(string); ok {
		return strings.TrimSpace(sid)
	}
	return ""
}

// Fingerprint hashes the text of the first three messages. Two unrelated conversations
// with identical openings share a fingerprint; callers accept that approximation.
// It returns "" when no message carries text.
func Fingerprint(messages []any) string {
	if len(messages) == 0 {
		return ""
	}
	n := min(len(messages), fingerprintMessages)

	var b strings.Builder
	for i := 0; i < n; i++ {
		msg, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		text := messageText(msg["content"])
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(text)
	}
	if b.Len() == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// messageText flattens string content or the text parts of multi-part content.
func messageText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

// NewConversationID mints a random conversation id.
func NewConversationID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
