package socks

import (
	"encoding/base64"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/drsoft-oss/tunnelgate/internal/relay"
)

var errTooLong = errors.New("socks: field exceeds maximum length")

func itoa(n int) string {
	return strconv.Itoa(n)
}

// basicEncode mirrors config.basicAuth's encoding so the SOCKS5
// username/password sub-negotiation can be compared against the same
// pre-encoded "Basic <b64>" token the HTTP front-end checks.
func basicEncode(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// relayPair hands the two established sockets to the shared byte relay,
// the same way the HTTP front-end does once its upstream tunnel is open.
func relayPair(client, upstream net.Conn, bufSize int, idleTimeout time.Duration) relay.Result {
	return relay.Run(client, upstream, bufSize, idleTimeout)
}
