package smtp

import (
	"fmt"

	gosmtp "github.com/emersion/go-smtp"
)

func reply(code int, enhanced gosmtp.EnhancedCode, msg string) *gosmtp.SMTPError {
	return &gosmtp.SMTPError{
		Code:         code,
		EnhancedCode: enhanced,
		Message:      msg,
	}
}

var (
	replyOK        = reply(250, gosmtp.EnhancedCode{2, 0, 0}, "OK")
	replySenderOK  = reply(250, gosmtp.EnhancedCode{2, 1, 0}, "Sender OK")
	replyRcptOK    = reply(250, gosmtp.EnhancedCode{2, 1, 5}, "Recipient OK")
	replyReset     = reply(250, gosmtp.EnhancedCode{2, 0, 0}, "Session reset")
	replyCannotVfy = reply(252, gosmtp.EnhancedCode{2, 5, 0}, "Cannot VRFY user, but will accept message and attempt delivery")
	replyStartData = reply(354, gosmtp.NoEnhancedCode, "Start mail input; end with <CRLF>.<CRLF>")
	replyReadyTLS  = reply(220, gosmtp.EnhancedCode{2, 0, 0}, "Ready to start TLS")
	replyAuthOK    = reply(235, gosmtp.EnhancedCode{2, 7, 0}, "Authentication successful")

	errBadSequence   = reply(503, gosmtp.EnhancedCode{5, 5, 1}, "Bad sequence of commands")
	errNeedRcpt      = reply(503, gosmtp.EnhancedCode{5, 5, 1}, "Need RCPT command first")
	errAuthNeedsTLS  = reply(503, gosmtp.EnhancedCode{5, 5, 1}, "Must issue a STARTTLS command first")
	errAlreadyAuthed = reply(503, gosmtp.EnhancedCode{5, 5, 1}, "Already authenticated")
	errTLSActive     = reply(503, gosmtp.EnhancedCode{5, 5, 1}, "TLS already active")
	errHelloSyntax   = reply(501, gosmtp.EnhancedCode{5, 5, 4}, "Syntax: EHLO hostname")
	errMailSyntax    = reply(501, gosmtp.EnhancedCode{5, 5, 4}, "Syntax: MAIL FROM:<address>")
	errRcptSyntax    = reply(501, gosmtp.EnhancedCode{5, 5, 4}, "Syntax: RCPT TO:<address>")
	errAuthSyntax    = reply(501, gosmtp.EnhancedCode{5, 5, 4}, "Syntax: AUTH mechanism [initial-response]")
	errBadBase64     = reply(501, gosmtp.EnhancedCode{5, 5, 2}, "Invalid base64 data")
	errAuthCancelled = reply(501, gosmtp.EnhancedCode{5, 0, 0}, "Authentication cancelled")
	errBadSender     = reply(553, gosmtp.EnhancedCode{5, 1, 7}, "Invalid sender mailbox")
	errBadRcpt       = reply(553, gosmtp.EnhancedCode{5, 1, 3}, "Invalid recipient mailbox")
	errRcptIsSender  = reply(553, gosmtp.EnhancedCode{5, 1, 3}, "Recipient must differ from sender")
	errTooBig        = reply(552, gosmtp.EnhancedCode{5, 3, 4}, "Message size exceeds fixed maximum message size")
	errLocal         = reply(451, gosmtp.EnhancedCode{4, 3, 0}, "Local error in processing, try again later")
	errNoTLS         = reply(454, gosmtp.EnhancedCode{4, 7, 0}, "TLS not available")
	errAuthFailed    = reply(535, gosmtp.EnhancedCode{5, 7, 8}, "Authentication credentials invalid")
	errUnknownCmd    = reply(500, gosmtp.EnhancedCode{5, 5, 2}, "Command not recognized")
	errUnknownMech   = reply(500, gosmtp.EnhancedCode{5, 5, 4}, "Unsupported authentication mechanism")
	errLineTooLong   = reply(500, gosmtp.EnhancedCode{5, 5, 2}, "Line too long")
	errTLSFailed     = reply(550, gosmtp.EnhancedCode{5, 7, 0}, "TLS handshake failed")
)

// format renders a single reply line without the trailing CRLF
func format(r *gosmtp.SMTPError) string {
	if r.EnhancedCode == gosmtp.NoEnhancedCode || r.EnhancedCode == (gosmtp.EnhancedCode{}) {
		return fmt.Sprintf("%d %s", r.Code, r.Message)
	}
	return fmt.Sprintf("%d %d.%d.%d %s", r.Code, r.EnhancedCode[0], r.EnhancedCode[1], r.EnhancedCode[2], r.Message)
}
