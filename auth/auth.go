package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os/user"
	"strconv"
	"strings"
	"time"
)

// CookieName is the session cookie checked on every request.
const CookieName = "agentdeck_session"

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("expired session token")
	ErrUnknownUser  = errors.New("unknown host user")
)

// Identity is the authenticated host user a connection acts as.
type Identity struct {
	Username string
	UID      int
	GID      int
	Home     string
}

// tokenPayload is the signed cookie body.
type tokenPayload struct {
	Username string `json:"username"`
	Exp      int64  `json:"exp"`
}

// Sign produces a cookie value for username valid until exp. The MAC
// covers the JSON payload bytes, not their base64 encoding.
func Sign(secret []byte, username string, exp time.Time) string {
	payload, _ := json.Marshal(tokenPayload{Username: username, Exp: exp.Unix()})
	return base64.RawURLEncoding.EncodeToString(payload) + "." + signature(secret, payload)
}

// Verify checks a cookie value and resolves the host user it names.
func Verify(secret []byte, token string) (*Identity, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrInvalidToken
	}
	expected := signature(secret, raw)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, ErrInvalidToken
	}

	var payload tokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if payload.Username == "" {
		return nil, ErrInvalidToken
	}
	if time.Now().Unix() >= payload.Exp {
		return nil, ErrExpiredToken
	}

	return Lookup(payload.Username)
}

// Lookup resolves a username against the host user database.
func Lookup(username string) (*Identity, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, ErrUnknownUser
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, ErrUnknownUser
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, ErrUnknownUser
	}
	return &Identity{
		Username: u.Username,
		UID:      uid,
		GID:      gid,
		Home:     u.HomeDir,
	}, nil
}

func signature(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
