package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/andywarduk/mirrorurl/pkg/types"
)

// classify turns a transport error into the taxonomy used by the scheduler.
// Redirect policy errors and caller cancellation pass through unchanged.
func classify(rawURL string, err error) error {
	switch {
	case errors.Is(err, types.ErrRedirectOutOfScope),
		errors.Is(err, types.ErrTooManyRedirects),
		errors.Is(err, context.Canceled):
		return err
	}
	return &types.NetworkError{Kind: networkKind(err), URL: rawURL, Err: err}
}

func networkKind(err error) types.NetworkKind {
	var (
		dnsErr    *net.DNSError
		opErr     *net.OpError
		netErr    net.Error
		decodeErr *decodeError
		recordErr tls.RecordHeaderError
		certErr   *tls.CertificateVerificationError
		unknownCA x509.UnknownAuthorityError
	)
	switch {
	case errors.Is(err, errBodyTooLarge):
		return types.NetworkBody
	case errors.As(err, &decodeErr):
		return types.NetworkProtocol
	case errors.Is(err, context.DeadlineExceeded):
		return types.NetworkTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return types.NetworkTimeout
	case errors.As(err, &dnsErr):
		return types.NetworkDNS
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return types.NetworkConnect
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return types.NetworkConnect
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return types.NetworkReset
	case errors.As(err, &recordErr), errors.As(err, &certErr), errors.As(err, &unknownCA):
		return types.NetworkProtocol
	case strings.Contains(err.Error(), "malformed HTTP"), strings.Contains(err.Error(), "unsupported protocol scheme"):
		return types.NetworkProtocol
	default:
		return types.NetworkOther
	}
}

func isTransportError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.DeadlineExceeded)
}
