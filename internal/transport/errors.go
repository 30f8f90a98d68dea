package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
)

// ErrTransient and ErrPermanent are sentinel errors transports use when
// classifying provider failures.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")

	// ErrFallbackUnavailable is reported when fallback is enabled but no
	// fallback transport was configured.
	ErrFallbackUnavailable = errors.New("fallback transport unavailable")
)

var smtpCodePattern = regexp.MustCompile(`(?i)(?:^|smtp\s+|:\s+)([45]\d{2})[\s-]`)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	if errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err was classified as non-retryable.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// ClassifyHTTPStatus maps a provider HTTP status code to an error class.
// It returns nil for 2xx codes.
func ClassifyHTTPStatus(code int, err error) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return WrapTransient(err)
	case code >= 400:
		return WrapPermanent(err)
	default:
		return WrapTransient(err)
	}
}

// ClassifySMTP inspects an SMTP error for a reply code and wraps it.
// Connection level failures without a reply code are transient.
func ClassifySMTP(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := ExtractSMTPCode(err); ok && isPermanentSMTPCode(code) {
		return WrapPermanent(err)
	}
	return WrapTransient(err)
}

// ExtractSMTPCode pulls a three digit reply code out of an SMTP error.
func ExtractSMTPCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code, true
	}
	matches := smtpCodePattern.FindStringSubmatch(strings.TrimSpace(err.Error()) + " ")
	if len(matches) != 2 {
		return 0, false
	}
	code, convErr := strconv.Atoi(matches[1])
	if convErr != nil {
		return 0, false
	}
	return code, true
}

// IsTimeout reports whether err represents a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func isPermanentSMTPCode(code int) bool {
	switch code {
	case 530, 535, 550, 551, 553, 554:
		return true
	default:
		return false
	}
}
