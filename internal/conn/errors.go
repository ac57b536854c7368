package conn

import "errors"

var errNoRawConn = errors.New("httppipe: connection has no raw file descriptor")
