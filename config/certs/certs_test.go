package certs

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndHandshake(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, []string{"localhost", "127.0.0.1"}, time.Hour))

	serverCfg, err := ServerTLS(dir)
	require.NoError(t, err)
	clientCfg, err := ClientTLS(dir, "localhost")
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	errc := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()
		errc <- tls.Server(conn, serverCfg).Handshake()
	}()

	clientConn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()
	client := tls.Client(clientConn, clientCfg)
	require.NoError(t, client.Handshake())
	require.NoError(t, <-errc)
	require.Equal(t, "localhost", client.ConnectionState().PeerCertificates[0].Subject.CommonName)
}

func TestLoadFromEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := ServerTLS(dir)
	require.Error(t, err)
	_, err = ClientTLS(dir, "")
	require.Error(t, err)
}
