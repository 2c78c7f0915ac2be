package smtp

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
)

// authStep records which AUTH challenge the next line answers
type authStep int

const (
	authNone authStep = iota
	authPlainResponse
	authLoginUsername
	authLoginPassword
)

var errInvalidCredentials = errors.New("invalid credentials")

const (
	challengeUsername = "334 VXNlcm5hbWU6" // Username:
	challengePassword = "334 UGFzc3dvcmQ6" // Password:
)

func (s *Session) handleAuth(arg string) {
	switch {
	case s.authenticated:
		s.respond(errAlreadyAuthed)
		return
	case !s.tlsActive:
		s.respond(errAuthNeedsTLS)
		return
	case s.state != stateHelloReceived:
		s.respond(errBadSequence)
		return
	}

	fields := strings.Fields(arg)
	if len(fields) == 0 || len(fields) > 2 {
		s.respond(errAuthSyntax)
		return
	}

	mechanism := strings.ToUpper(fields[0])
	var initial string
	if len(fields) == 2 {
		initial = fields[1]
	}

	switch mechanism {
	case "PLAIN":
		if initial == "" {
			s.auth = authPlainResponse
			s.writeLine("334 ")
			s.lastCode = 334
			return
		}
		s.authPlain(initial)

	case "LOGIN":
		if initial == "" {
			s.auth = authLoginUsername
			s.writeLine(challengeUsername)
			s.lastCode = 334
			return
		}
		s.auth = authLoginUsername
		s.continueAuth(initial)

	default:
		s.respond(errUnknownMech)
	}
}

// continueAuth takes the one line answering the outstanding challenge,
// bypassing command dispatch
func (s *Session) continueAuth(line string) {
	step := s.auth
	s.auth = authNone

	if strings.TrimSpace(line) == "*" {
		s.authUser = ""
		s.respond(errAuthCancelled)
		return
	}

	switch step {
	case authPlainResponse:
		s.authPlain(line)

	case authLoginUsername:
		username, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
		if err != nil {
			s.respond(errBadBase64)
			return
		}
		s.authUser = string(username)
		s.auth = authLoginPassword
		s.writeLine(challengePassword)
		s.lastCode = 334

	case authLoginPassword:
		username := s.authUser
		s.authUser = ""

		password, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
		if err != nil {
			s.respond(errBadBase64)
			return
		}

		s.authResult(username, s.validate(username, string(password)))
	}
}

func (s *Session) authPlain(encoded string) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "=" {
		encoded = ""
	}

	response, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.respond(errBadBase64)
		return
	}

	var username string
	server := sasl.NewPlainServer(func(identity, user, password string) error {
		username = user
		if identity != "" && identity != user {
			return errInvalidCredentials
		}
		if !s.validate(user, password) {
			return errInvalidCredentials
		}
		return nil
	})

	// an empty payload still has to be split and checked
	if response == nil {
		response = []byte{}
	}

	_, _, err = server.Next(response)
	s.authResult(username, err == nil)
}

func (s *Session) validate(username, password string) bool {
	if s.server.validator == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.validator.Validate(ctx, username, password)
}

func (s *Session) authResult(username string, ok bool) {
	if !ok {
		s.log.Info().Str("user", username).Msg("auth failed")
		s.respond(errAuthFailed)
		return
	}

	s.authenticated = true
	s.log.Info().Str("user", username).Msg("authenticated")
	s.respond(replyAuthOK)
}
