// pattern: Functional Core

package pgembed

import (
	"net"
	"net/url"
	"strconv"
)

// Endpoint is where a running server listens.
type Endpoint struct {
	// Host is the TCP listen address, empty in socket-only mode.
	Host string
	// Port is the TCP port. It also names the socket file, so it is set
	// in socket-only mode too.
	Port int
	// SocketDir is the directory holding the unix socket
	// (.s.PGSQL.<port>).
	SocketDir string
}

// URI renders a connection string for the given role and database. TCP
// endpoints get the plain host:port form; socket-only endpoints carry
// the socket directory in the host query parameter, which is how libpq
// and pgx expect unix sockets spelled inside a URI.
func (e Endpoint) URI(user, database string) string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.User(user),
		Path:   "/" + database,
	}
	if e.Host != "" {
		u.Host = net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
		return u.String()
	}
	q := url.Values{}
	q.Set("host", e.SocketDir)
	q.Set("port", strconv.Itoa(e.Port))
	u.RawQuery = q.Encode()
	return u.String()
}
