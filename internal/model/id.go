package model

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IDType is the prefix of a generated record id.
type IDType string

const (
	IDTypeDecision  IDType = "dec"
	IDTypeExecution IDType = "wfx"
)

func (t IDType) known() bool {
	return t == IDTypeDecision || t == IDTypeExecution
}

// Record ids look like dec_1771722000_a3f2b7c1: the type, the creation time
// in unix seconds, and eight hex digits of randomness.
var idPattern = regexp.MustCompile(`^(dec|wfx)_([0-9]{10})_[0-9a-f]{8}$`)

func GenerateID(t IDType) (string, error) {
	if !t.known() {
		return "", fmt.Errorf("unknown id type %q", t)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", t, err)
	}
	return fmt.Sprintf("%s_%010d_%s", t, time.Now().Unix(), hex.EncodeToString(u[:4])), nil
}

// MustGenerateID is GenerateID for the fixed id types used internally. It
// panics on an unknown type.
func MustGenerateID(t IDType) string {
	id, err := GenerateID(t)
	if err != nil {
		panic(err)
	}
	return id
}

func ValidateID(id string) bool {
	return idPattern.MatchString(id)
}

// ParseID splits a record id into its type and creation time.
func ParseID(id string) (IDType, time.Time, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return "", time.Time{}, fmt.Errorf("malformed id %q", id)
	}
	secs, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse time in id %q: %w", id, err)
	}
	return IDType(m[1]), time.Unix(secs, 0).UTC(), nil
}

// NewAgentID returns a random agent identifier for configs that do not pin one.
func NewAgentID() string {
	return "agent-" + uuid.NewString()
}

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateAgentID rejects agent ids that are unsafe as file names or socket keys.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("invalid agent id %q", id)
	}
	return nil
}
