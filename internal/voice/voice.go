// Package voice issues short-lived room-join credentials for the external
// voice/video transport. The collaboration server never carries voice media
// itself -- it only vouches for a peer's right to join a given project's
// voice room, the way the rest of the system vouches for document access.
package voice

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Grant is an issued voice-room credential.
type Grant struct {
	Token     string
	URL       string
	ExpiresAt time.Time
}

// Issuer mints voice-room grants. The production implementation wraps an
// external SFU's JWT scheme; tests use a fake that skips signing entirely.
type Issuer interface {
	Issue(projectID, peerID, displayName string) (Grant, error)
}

// roomClaims mirrors the external SFU's expected grant shape: a room name,
// an identity, and a video grant sub-claim permitting publish/subscribe.
type roomClaims struct {
	jwt.RegisteredClaims
	Name  string     `json:"name,omitempty"`
	Video videoGrant `json:"video,omitempty"`
}

type videoGrant struct {
	Room         string `json:"room"`
	RoomJoin     bool   `json:"roomJoin"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

// TTL is how long an issued grant remains valid.
const TTL = 10 * time.Minute

// HMACIssuer issues HS256 grants against an API key/secret pair and a
// server URL, matching the LiveKit-style access-token scheme referenced in
// the server's configuration (LIVEKIT_API_KEY / LIVEKIT_API_SECRET / LIVEKIT_URL).
type HMACIssuer struct {
	APIKey    string
	APISecret string
	URL       string
}

// NewHMACIssuer returns an Issuer, or an error if any credential is empty.
func NewHMACIssuer(apiKey, apiSecret, url string) (*HMACIssuer, error) {
	if apiKey == "" || apiSecret == "" || url == "" {
		return nil, fmt.Errorf("voice: LIVEKIT_API_KEY, LIVEKIT_API_SECRET, and LIVEKIT_URL are all required")
	}
	return &HMACIssuer{APIKey: apiKey, APISecret: apiSecret, URL: url}, nil
}

// Issue mints a grant scoping peerID to join projectID's voice room.
func (i *HMACIssuer) Issue(projectID, peerID, displayName string) (Grant, error) {
	now := time.Now()
	exp := now.Add(TTL)
	claims := roomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.APIKey,
			Subject:   peerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name: displayName,
		Video: videoGrant{
			Room:         projectID,
			RoomJoin:     true,
			CanPublish:   true,
			CanSubscribe: true,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(i.APISecret))
	if err != nil {
		return Grant{}, fmt.Errorf("voice: sign grant: %w", err)
	}
	return Grant{Token: signed, URL: i.URL, ExpiresAt: exp}, nil
}

// FakeIssuer is a deterministic, unsigned Issuer for tests and for running
// without a configured voice backend.
type FakeIssuer struct {
	URL string
}

// Issue returns a fixed-shape grant with no real signature.
func (f *FakeIssuer) Issue(projectID, peerID, displayName string) (Grant, error) {
	url := f.URL
	if url == "" {
		url = "ws://fake-voice.local"
	}
	return Grant{
		Token:     fmt.Sprintf("fake.%s.%s", projectID, peerID),
		URL:       url,
		ExpiresAt: time.Now().Add(TTL),
	}, nil
}
