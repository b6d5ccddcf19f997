package server

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/stormhold-project/stormhold/internal/network"
	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/wml"
)

// Stable error codes sent in [error] documents so clients can react
// without parsing the message text.
const (
	errCodeIncorrectVersion = "100"
	errCodeNameTaken        = "101"
	errCodeInvalidName      = "102"
	errCodeBanned           = "103"
	errCodeLoginRequired    = "104"
	errCodeAuthFailed       = "105"
	errCodeBadDocument      = "200"
	errCodeBadRequest       = "201"
	errCodeFlood            = "202"
	errCodeGameError        = "203"
	errCodeGameEnded        = "204"
	errCodeKicked           = "205"
	errCodeStaleRequest     = "206"
)

// Authenticator verifies login credentials.
type Authenticator interface {
	// Authenticate returns whether the username is a registered account
	// and whether it carries moderator status. A non-nil error rejects
	// the login.
	Authenticate(username, password string) (registered, moderator bool, err error)
}

// GuestAuthenticator accepts everyone as an unregistered guest, or no
// one when guests are disabled.
type GuestAuthenticator struct {
	AllowGuests bool
}

func (a GuestAuthenticator) Authenticate(username, password string) (bool, bool, error) {
	if !a.AllowGuests {
		return false, false, fmt.Errorf("guest logins are disabled")
	}
	return false, false, nil
}

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{2,20}$`)

// reservedNames may never be claimed by a client; they appear as sender
// values in server-generated documents.
var reservedNames = map[string]bool{
	"server": true,
	"ai":     true,
	"human":  true,
	"null":   true,
	"admin":  true,
}

func validUsername(name string) bool {
	return usernameRe.MatchString(name) && !reservedNames[strings.ToLower(name)]
}

// login runs the post-handshake sequence: the server requests the
// client version and checks it against the accepted list, demands a
// login, validates the name and admits the player into the session
// registry. The returned player is registered and ready for lobby
// entry.
func (s *Server) login(conn *network.Connection) (*session.Player, error) {
	srv := s.cfg.GetServer()
	timeout := time.Duration(srv.HandshakeTimeout) * time.Second

	// Socket-level helpers: the player record does not exist yet.
	send := func(build func(root *wml.Node)) error {
		doc := wml.New(s.docs)
		build(doc.Root())
		payload, err := wml.Compress([]byte(doc.Serialize()), wml.Gzip)
		doc.Close()
		if err != nil {
			return err
		}
		return conn.Send(payload)
	}
	sendErr := func(message, code string) {
		send(func(root *wml.Node) {
			e := root.AddChild("error")
			e.SetAttr("error_code", code)
			e.SetAttr("message", message)
		})
	}
	recv := func() (*wml.Document, error) {
		data, err := conn.ReadFrame(timeout)
		if err != nil {
			return nil, err
		}
		return s.decode(data, srv.MaxDocumentSize)
	}

	if err := send(func(root *wml.Node) { root.AddChild("version") }); err != nil {
		return nil, err
	}

	doc, err := recv()
	if err != nil {
		return nil, err
	}
	versionNode := doc.Root().Child("version")
	if versionNode == nil {
		doc.Close()
		sendErr("version expected", errCodeBadRequest)
		return nil, fmt.Errorf("first document is not [version]")
	}
	clientVersion := versionNode.AttrOr("version", "")
	doc.Close()
	if !s.cfg.VersionAccepted(clientVersion) {
		sendErr(fmt.Sprintf("version %q is not accepted by this server", clientVersion), errCodeIncorrectVersion)
		return nil, fmt.Errorf("rejected client version %q", clientVersion)
	}

	if err := send(func(root *wml.Node) { root.AddChild("mustlogin") }); err != nil {
		return nil, err
	}

	doc, err = recv()
	if err != nil {
		return nil, err
	}
	loginNode := doc.Root().Child("login")
	if loginNode == nil {
		doc.Close()
		sendErr("login expected", errCodeLoginRequired)
		return nil, fmt.Errorf("second document is not [login]")
	}
	username := loginNode.AttrOr("username", "")
	password := loginNode.AttrOr("password", "")
	doc.Close()

	if !validUsername(username) {
		sendErr(fmt.Sprintf("invalid username %q", username), errCodeInvalidName)
		return nil, fmt.Errorf("invalid username %q", username)
	}
	if s.bans.banned(username, conn.RemoteIP()) {
		sendErr("you are banned from this server", errCodeBanned)
		return nil, fmt.Errorf("banned login attempt %q from %s", username, conn.RemoteIP())
	}

	registered, moderator, err := s.auth.Authenticate(username, password)
	if err != nil {
		sendErr(err.Error(), errCodeAuthFailed)
		return nil, fmt.Errorf("authentication failed for %q: %w", username, err)
	}

	p := session.NewPlayer(conn, username, clientVersion, registered)
	p.Moderator = moderator
	if err := s.players.Add(p); err != nil {
		sendErr(fmt.Sprintf("the username %q is already taken", username), errCodeNameTaken)
		return nil, err
	}

	if err := send(func(root *wml.Node) {
		j := root.AddChild("join_lobby")
		j.SetAttr("is_moderator", boolAttr(moderator))
		j.SetAttr("profile_url_prefix", "")
	}); err != nil {
		s.players.Remove(p.ConnID())
		return nil, err
	}

	return p, nil
}

func boolAttr(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
