package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/wampgate/wampgate/pkg/auth"
	"github.com/wampgate/wampgate/pkg/handshake"
	"github.com/wampgate/wampgate/pkg/transport"
	"github.com/wampgate/wampgate/pkg/wamp"
)

// Config selects the realm and, optionally, the serializer, credentials,
// logger and TLS settings used by Dial.
type Config struct {
	Realm         string
	Serializer    wamp.Serializer
	Authenticator auth.ClientAuthenticator
	Logger        *slog.Logger
	TLSConfig     *tls.Config
}

// Dial connects to a router, joins the realm and returns a live session.
//
// Accepted URI schemes: ws, wss and unix+ws for WebSocket; rs, tcp, rss,
// tcps, unix and unix+rs for the raw socket (rs/tcp and rss/tcps are
// aliases; unix URIs carry the socket path).
func Dial(ctx context.Context, uri string, cfg Config) (*Session, error) {
	if cfg.Realm == "" {
		return nil, fmt.Errorf("dial %s: realm is required", uri)
	}
	serializer := cfg.Serializer
	if serializer == nil {
		serializer = &wamp.JSONSerializer{}
	}

	t, err := dialTransport(ctx, uri, serializer, cfg.TLSConfig)
	if err != nil {
		return nil, err
	}

	details, err := join(ctx, t, cfg.Realm, serializer, cfg.Authenticator)
	if err != nil {
		t.Close()
		return nil, err
	}

	base := transport.NewBaseSession(t, serializer, details)
	return NewSession(base, cfg.Logger), nil
}

func dialTransport(ctx context.Context, uri string, serializer wamp.Serializer, tlsConfig *tls.Config) (transport.Transport, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", uri, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return transport.DialWebSocket(ctx, uri, serializer)

	case "unix+ws":
		return transport.DialWebSocketUnix(ctx, unixPath(u), serializer)

	case "rs", "tcp":
		return transport.DialRawSocket(ctx, "tcp", u.Host, serializer)

	case "rss", "tcps":
		return dialRawSocketTLS(ctx, u.Host, serializer, tlsConfig)

	case "unix", "unix+rs":
		return transport.DialRawSocket(ctx, "unix", unixPath(u), serializer)

	default:
		return nil, fmt.Errorf("dial %s: unsupported scheme %q", uri, u.Scheme)
	}
}

func dialRawSocketTLS(ctx context.Context, addr string, serializer wamp.Serializer, tlsConfig *tls.Config) (transport.Transport, error) {
	dialer := tls.Dialer{NetDialer: &net.Dialer{}, Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("raw socket tls dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	t, err := transport.NewClientRawSocket(conn, serializer)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return t, nil
}

// unixPath extracts the socket path from a unix-style URI; both
// unix:///tmp/x.sock and unix:/tmp/x.sock forms work.
func unixPath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	if u.Host != "" {
		return u.Host + u.Path
	}
	return u.Path
}

// join runs the handshake over an already-connected transport.
func join(ctx context.Context, t transport.Transport, realm string, serializer wamp.Serializer, authenticator auth.ClientAuthenticator) (wamp.SessionDetails, error) {
	joiner := handshake.NewJoiner(realm, serializer, authenticator)

	hello, err := joiner.SendHello()
	if err != nil {
		return wamp.SessionDetails{}, err
	}
	if err := t.Write(hello); err != nil {
		return wamp.SessionDetails{}, err
	}

	type frame struct {
		data []byte
		err  error
	}
	frames := make(chan frame, 1)
	for !joiner.Joined() {
		go func() {
			data, err := t.Read()
			frames <- frame{data, err}
		}()
		select {
		case f := <-frames:
			if f.err != nil {
				return wamp.SessionDetails{}, f.err
			}
			reply, err := joiner.Receive(f.data)
			if err != nil {
				return wamp.SessionDetails{}, err
			}
			if reply != nil {
				if err := t.Write(reply); err != nil {
					return wamp.SessionDetails{}, err
				}
			}
		case <-ctx.Done():
			return wamp.SessionDetails{}, ctx.Err()
		}
	}
	return joiner.SessionDetails()
}
