package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListenURL(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "udp", input: "udp://127.0.0.1:9000", want: "127.0.0.1:9000"},
		{name: "any interface", input: "udp://0.0.0.0:0", want: "0.0.0.0:0"},
		{name: "tcp scheme", input: "tcp://127.0.0.1:9000", wantErr: true},
		{name: "no scheme", input: "127.0.0.1:9000", wantErr: true},
		{name: "no host", input: "udp://", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseListenURL(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUDPServerDeliversDatagrams(t *testing.T) {
	server, err := NewUDPServer("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	sink := make(chan []byte, 4)
	require.NoError(t, server.Start(sink))
	assert.Error(t, server.Start(sink), "second start must fail")

	client, err := NewUDPServer("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendTo([]byte("first"), server.LocalAddr()))
	require.NoError(t, client.SendTo([]byte("second"), server.LocalAddr()))

	for _, want := range []string{"first", "second"} {
		select {
		case got := <-sink:
			assert.Equal(t, want, string(got))
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestUDPServerStop(t *testing.T) {
	server, err := NewUDPServer("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	require.NoError(t, server.Start(make(chan []byte)))

	select {
	case <-server.Stop():
	case <-time.After(2 * time.Second):
		t.Fatal("stop was never acknowledged")
	}

	// Stop is idempotent and keeps returning the closed channel.
	select {
	case <-server.Stop():
	default:
		t.Fatal("second stop should return a closed channel")
	}

	assert.Error(t, server.Start(make(chan []byte)), "cannot restart a stopped server")
}

func TestUDPServerStopWithoutStart(t *testing.T) {
	server, err := NewUDPServer("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	select {
	case <-server.Stop():
	case <-time.After(time.Second):
		t.Fatal("stop before start should acknowledge immediately")
	}
}

func TestUDPServerStopWhileSinkFull(t *testing.T) {
	server, err := NewUDPServer("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	// Unbuffered sink nobody reads from.
	require.NoError(t, server.Start(make(chan []byte)))

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()
	_, err = client.WriteTo([]byte("stuck"), server.LocalAddr())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	select {
	case <-server.Stop():
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked behind a full sink")
	}
}

func TestUDPServerSendToNil(t *testing.T) {
	server, err := NewUDPServer("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	assert.Error(t, server.SendTo([]byte("x"), nil))
}

func TestNewUDPServerBindFailure(t *testing.T) {
	_, err := NewUDPServer("256.0.0.1:0")
	assert.Error(t, err)
}
