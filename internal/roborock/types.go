package roborock

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrConfiguration marks invalid or missing setup values. Fatal to
// startup; never retried automatically.
var ErrConfiguration = errors.New("invalid configuration")

// ErrAuth marks login rejections and expired or invalid credentials.
var ErrAuth = errors.New("roborock authentication failed")

// ErrCommunication marks a failed request to a single device: timeouts,
// malformed responses, and disconnected transports all wrap it so callers
// can treat the device state as temporarily unknown.
var ErrCommunication = errors.New("roborock device communication failed")

// ErrUnsupportedProtocol marks devices whose protocol version has no
// client implementation. A static property of the device; never retried.
var ErrUnsupportedProtocol = errors.New("unsupported device protocol")

// Reference holds the regional API endpoints issued with a login.
type Reference struct {
	R string `json:"r"`
	A string `json:"a"`
	M string `json:"m"`
	L string `json:"l"`
}

// RRiot carries the per-session keys used to sign requests and derive
// MQTT credentials.
type RRiot struct {
	U string    `json:"u"`
	S string    `json:"s"`
	H string    `json:"h"`
	K string    `json:"k"`
	R Reference `json:"r"`
}

// UserData is the credential blob issued by the vendor cloud on login.
// It is persisted verbatim by the token cache and reused across restarts.
type UserData struct {
	UID         int64  `json:"uid"`
	TokenType   string `json:"tokentype"`
	Token       string `json:"token"`
	RRUID       string `json:"rruid"`
	Region      string `json:"region"`
	CountryCode string `json:"countrycode"`
	Country     string `json:"country"`
	Nickname    string `json:"nickname"`
	RRIOT       RRiot  `json:"rriot"`
}

// ParseUserData decodes a credential blob and checks the fields every
// downstream consumer depends on. Decoding failure is a named error, not
// an undefined field propagating.
func ParseUserData(raw json.RawMessage) (*UserData, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty user data", ErrAuth)
	}
	var data UserData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: parse user data: %v", ErrAuth, err)
	}
	if data.Token == "" {
		return nil, fmt.Errorf("%w: user data missing token", ErrAuth)
	}
	if data.RRIOT.U == "" || data.RRIOT.S == "" || data.RRIOT.H == "" || data.RRIOT.K == "" {
		return nil, fmt.Errorf("%w: user data missing rriot fields", ErrAuth)
	}
	return &data, nil
}

// HomeData is the account catalog: registered devices plus the product
// metadata needed to classify them.
type HomeData struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	Products        []HomeDataProduct `json:"products"`
	Devices         []HomeDataDevice  `json:"devices"`
	ReceivedDevices []HomeDataDevice  `json:"receivedDevices"`
}

// AllDevices returns owned and shared devices as one list.
func (h *HomeData) AllDevices() []HomeDataDevice {
	out := make([]HomeDataDevice, 0, len(h.Devices)+len(h.ReceivedDevices))
	out = append(out, h.Devices...)
	out = append(out, h.ReceivedDevices...)
	return out
}

type HomeDataProduct struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Category string `json:"category"`
	Code     string `json:"code"`
}

type HomeDataDevice struct {
	DUID            string `json:"duid"`
	Name            string `json:"name"`
	LocalKey        string `json:"localKey"`
	ProductID       string `json:"productId"`
	Firmware        string `json:"fv"`
	ProtocolVersion string `json:"pv"`
	Online          bool   `json:"online"`
}

// Session ties an account's credential to the catalog fetched with it.
// Sessions are replaced wholesale on re-login; the credential and catalog
// are never refreshed independently of each other.
type Session struct {
	Email    string
	UserData *UserData
	Home     *HomeData
}
