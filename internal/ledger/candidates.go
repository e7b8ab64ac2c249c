package ledger

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Candidates is the selection produced by the read-only scan phase: recipient
// identifiers in registry order. It crosses a trust boundary — callers hand
// it back to Settle, possibly stale or tampered with — so it is plain data
// and settlement independently re-validates every entry.
type Candidates []string

// Token encodes the candidate list as an opaque, replayable string.
func (c Candidates) Token() string {
	b, err := json.Marshal(c)
	if err != nil {
		// A []string cannot fail to marshal.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// ParseToken decodes a selection token. The decoded list carries no
// authority; Settle re-checks each entry against current state.
func ParseToken(token string) (Candidates, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	var c Candidates
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	return c, nil
}
