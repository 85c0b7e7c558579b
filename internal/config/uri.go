package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

type amqpURI struct {
	host     string
	port     int
	user     string
	password string
	vhost    string
}

func (u *amqpURI) String() string {
	out := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(u.host, strconv.Itoa(u.port)),
	}
	if u.user != "" {
		out.User = url.UserPassword(u.user, u.password)
	}
	// "/" is the default vhost and is encoded as an empty path.
	if u.vhost != "" && u.vhost != "/" {
		out.Path = "/" + strings.TrimPrefix(u.vhost, "/")
	}
	return out.String()
}
