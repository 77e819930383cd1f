// Package commit seals a participant's prediction before the battle so the
// recorded call can be checked against what was armed.
package commit

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

const saltLen = 16

// preimage is the canonical byte string hashed for a prediction. Field order
// and formatting are fixed; changing them invalidates stored commitments.
func preimage(matchID string, p domain.Prediction, salt []byte) []byte {
	var b strings.Builder
	b.WriteString("arena-prediction-v1|")
	b.WriteString(matchID)
	b.WriteByte('|')
	b.WriteString(string(p.Direction))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(p.Speed))
	b.WriteByte('|')
	if p.Exit != nil {
		b.WriteString(strconv.FormatFloat(p.Exit.TakeProfitPct, 'f', -1, 64))
		b.WriteByte('/')
		b.WriteString(strconv.FormatFloat(p.Exit.StopLossPct, 'f', -1, 64))
	}
	b.WriteByte('|')
	out := []byte(b.String())
	return append(out, salt...)
}

// Seal fills p.Salt with fresh randomness and p.Commitment with the
// Keccak-256 digest of the prediction bound to matchID.
func Seal(matchID string, p domain.Prediction) (domain.Prediction, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return p, fmt.Errorf("commit: salt: %w", err)
	}
	return SealWithSalt(matchID, p, salt), nil
}

// SealWithSalt is Seal with a caller-chosen salt.
func SealWithSalt(matchID string, p domain.Prediction, salt []byte) domain.Prediction {
	p.Salt = hexutil.Encode(salt)
	p.Commitment = hexutil.Encode(crypto.Keccak256(preimage(matchID, p, salt)))
	return p
}

// Verify recomputes the digest from p's fields and salt. It returns
// domain.ErrCommitMismatch when anything was altered after sealing.
func Verify(matchID string, p domain.Prediction) error {
	if p.Commitment == "" || p.Salt == "" {
		return fmt.Errorf("commit: prediction for %s is not sealed: %w", matchID, domain.ErrCommitMismatch)
	}
	salt, err := hexutil.Decode(p.Salt)
	if err != nil {
		return fmt.Errorf("commit: decode salt: %w", err)
	}
	want := hexutil.Encode(crypto.Keccak256(preimage(matchID, p, salt)))
	if !strings.EqualFold(want, p.Commitment) {
		return fmt.Errorf("commit: prediction for %s: %w", matchID, domain.ErrCommitMismatch)
	}
	return nil
}
