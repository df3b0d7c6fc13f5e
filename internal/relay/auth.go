package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

var errIndexExhausted = errors.New("no free device index in 0..15")

// TokenVerifier checks a Google ID token and returns the verified email.
type TokenVerifier interface {
	Verify(ctx context.Context, idToken string) (email string, err error)
}

// handleAuth runs the auth exchange for one connection. Failures answer
// with auth_result{success:false}; the socket stays open for a retry.
func (s *Server) handleAuth(ctx context.Context, c *Client, payload json.RawMessage) {
	fail := func(msg string) {
		c.send(protocol.NewFrame(protocol.TypeAuthResult, protocol.AuthResult{Success: false, Error: msg}))
	}

	if c.authenticated() {
		fail("already authenticated")
		return
	}

	var p protocol.AuthPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		fail("invalid auth payload")
		return
	}

	var (
		dev     protocol.Device
		shareID string
		err     error
	)
	switch p.DeviceType {
	case protocol.DevicePylon:
		dev, err = s.authPylon(p, c.remoteIP)
	case protocol.DeviceApp:
		dev, err = s.authApp(ctx, p)
	case protocol.DeviceViewer:
		dev, shareID, err = s.authViewer(p)
	default:
		err = fmt.Errorf("unknown deviceType %q", p.DeviceType)
	}
	if err != nil {
		s.logger.Warn("relay auth failed", "conn", c.id, "deviceType", p.DeviceType, "ip", c.remoteIP, "error", err)
		fail(err.Error())
		return
	}

	c.setIdentity(dev, shareID)
	c.send(protocol.NewFrame(protocol.TypeAuthResult, protocol.AuthResult{Success: true, Device: &dev}))
	s.broadcastDeviceStatus()
	s.logger.Info("relay device authenticated",
		"deviceType", dev.DeviceType, "deviceId", dev.DeviceID, "deviceIndex", dev.DeviceIndex)
}

// authPylon admits a worker. The identity comes from the supplied encoded
// deviceId (whose env must match the hub's) or a raw deviceIndex; the
// source IP must pass the per-index whitelist when one is configured.
func (s *Server) authPylon(p protocol.AuthPayload, remoteIP string) (protocol.Device, error) {
	var (
		pylon ids.PylonID
		idx   int
	)
	switch {
	case p.DeviceID != nil:
		env, i, err := ids.DecodePylon(ids.PylonID(*p.DeviceID))
		if err != nil {
			return protocol.Device{}, fmt.Errorf("invalid pylon deviceId %d", *p.DeviceID)
		}
		if env != s.env {
			return protocol.Device{}, fmt.Errorf("pylon env %q does not match relay env %q", env.String(), s.env.String())
		}
		pylon, idx = ids.PylonID(*p.DeviceID), i
	case p.DeviceIndex != nil:
		id, err := ids.EncodePylon(s.env, *p.DeviceIndex)
		if err != nil {
			return protocol.Device{}, fmt.Errorf("invalid pylon deviceIndex %d", *p.DeviceIndex)
		}
		pylon, idx = id, *p.DeviceIndex
	default:
		return protocol.Device{}, errors.New("pylon deviceId or deviceIndex is required")
	}

	if err := s.checkPylonIP(idx, remoteIP); err != nil {
		return protocol.Device{}, err
	}

	return protocol.Device{
		DeviceID:    int(pylon),
		DeviceType:  protocol.DevicePylon,
		DeviceIndex: idx,
		Env:         s.env.String(),
	}, nil
}

// checkPylonIP enforces the per-deviceIndex whitelist. No configured ACLs
// admits every pylon (dev mode).
func (s *Server) checkPylonIP(idx int, remoteIP string) error {
	acls := s.relayConfig().Pylons
	if len(acls) == 0 {
		return nil
	}
	for _, acl := range acls {
		if acl.DeviceIndex != idx {
			continue
		}
		for _, ip := range acl.AllowedIPs {
			if ip == remoteIP || ip == "*" {
				return nil
			}
		}
		return fmt.Errorf("pylon %d not allowed from %s", idx, remoteIP)
	}
	return fmt.Errorf("pylon %d is not configured", idx)
}

// authApp admits an app client. When a verifier is installed the idToken is
// mandatory and the verified email must pass the allow-list; the device
// index is the smallest free slot.
func (s *Server) authApp(ctx context.Context, p protocol.AuthPayload) (protocol.Device, error) {
	email := ""
	if s.verifier != nil {
		if p.IDToken == "" {
			return protocol.Device{}, errors.New("idToken is required")
		}
		em, err := s.verifier.Verify(ctx, p.IDToken)
		if err != nil {
			return protocol.Device{}, fmt.Errorf("invalid idToken: %v", err)
		}
		if !s.emailAllowed(em) {
			return protocol.Device{}, errors.New("Email not on allow list")
		}
		email = em
	}

	idx, err := s.indexes.alloc()
	if err != nil {
		return protocol.Device{}, err
	}
	id, err := ids.EncodeClient(s.env, idx)
	if err != nil {
		s.indexes.release(idx)
		return protocol.Device{}, err
	}
	return protocol.Device{
		DeviceID:    int(id),
		DeviceType:  protocol.DeviceApp,
		DeviceIndex: idx,
		Env:         s.env.String(),
		Email:       email,
	}, nil
}

// authViewer admits a read-only viewer. The shareId is opaque here; a pylon
// validates it when the viewer asks for history.
func (s *Server) authViewer(p protocol.AuthPayload) (protocol.Device, string, error) {
	if p.ShareID == "" {
		return protocol.Device{}, "", errors.New("shareId is required")
	}
	idx, err := s.indexes.alloc()
	if err != nil {
		return protocol.Device{}, "", err
	}
	id, err := ids.EncodeClient(s.env, idx)
	if err != nil {
		s.indexes.release(idx)
		return protocol.Device{}, "", err
	}
	dev := protocol.Device{
		DeviceID:    int(id),
		DeviceType:  protocol.DeviceViewer,
		DeviceIndex: idx,
		Env:         s.env.String(),
	}
	return dev, p.ShareID, nil
}

func (s *Server) emailAllowed(email string) bool {
	allowed := s.relayConfig().OAuth.AllowedEmails
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == email {
			return true
		}
	}
	return false
}

// indexAllocator hands out client device indexes, smallest free first. Apps
// and viewers share the space so every non-pylon connection has a unique
// addressable deviceId.
type indexAllocator struct {
	mu   sync.Mutex
	used [ids.MaxDeviceIndex + 1]bool
}

func (a *indexAllocator) alloc() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i <= ids.MaxDeviceIndex; i++ {
		if !a.used[i] {
			a.used[i] = true
			return i, nil
		}
	}
	return 0, errIndexExhausted
}

func (a *indexAllocator) release(idx int) {
	if idx < 0 || idx > ids.MaxDeviceIndex {
		return
	}
	a.mu.Lock()
	a.used[idx] = false
	a.mu.Unlock()
}

// GoogleVerifier validates Google ID tokens against the tokeninfo endpoint
// and pins the audience to one OAuth client.
type GoogleVerifier struct {
	ClientID   string
	HTTPClient *http.Client
	Endpoint   string // overrides the Google endpoint, for tests
}

const googleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

// Verify implements TokenVerifier.
func (g *GoogleVerifier) Verify(ctx context.Context, idToken string) (string, error) {
	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := g.Endpoint
	if endpoint == "" {
		endpoint = googleTokenInfoURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"?id_token="+url.QueryEscape(idToken), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tokeninfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tokeninfo: status %d", resp.StatusCode)
	}

	var info struct {
		Aud           string `json:"aud"`
		Email         string `json:"email"`
		EmailVerified string `json:"email_verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("tokeninfo: %w", err)
	}
	if g.ClientID != "" && info.Aud != g.ClientID {
		return "", errors.New("token audience mismatch")
	}
	if info.Email == "" || info.EmailVerified != "true" {
		return "", errors.New("token email not verified")
	}
	return info.Email, nil
}
