package sessions

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes a session as its persisted JSON record.
func Marshal(session *Session) ([]byte, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a persisted record. Any decode failure, or a record
// without tokens, is reported as ErrCorruptSession.
func Unmarshal(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if s.AccessToken == "" || s.RefreshToken == "" {
		return nil, fmt.Errorf("%w: missing tokens", ErrCorruptSession)
	}
	return &s, nil
}
