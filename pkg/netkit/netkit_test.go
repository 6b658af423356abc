package netkit

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFingerprint(t *testing.T) {
	a := Fingerprint("192.0.2.1")
	b := Fingerprint("192.0.2.1")
	c := Fingerprint("192.0.2.2")

	if a != b {
		t.Error("Fingerprint() not stable for the same IP")
	}
	if a == c {
		t.Error("Fingerprint() collided for different IPs")
	}
	assert.Len(t, a, 40)
}

func TestParseHostAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    HostAddress
		wantErr bool
	}{
		{
			name:  "host and port",
			input: "192.0.2.1:8080",
			want:  HostAddress{IP: "192.0.2.1", Port: 8080},
		},
		{
			name:  "bare IP",
			input: "192.0.2.1",
			want:  HostAddress{IP: "192.0.2.1", Port: -1},
		},
		{
			name:    "garbage",
			input:   "not an address",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHostAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseHostAddress() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseHostAddress() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppendCIDR(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.0.2.1", "192.0.2.1/32"},
		{"2001:db8::1", "2001:db8::1/128"},
		{"192.0.2.0/24", "192.0.2.0/24"},
	}
	for _, tt := range tests {
		if got := AppendCIDR(tt.in); got != tt.want {
			t.Errorf("AppendCIDR(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidIP(t *testing.T) {
	assert.True(t, ValidIP("192.0.2.7"))
	assert.True(t, ValidIP("192.0.2.7:443"))
	assert.False(t, ValidIP("example.com"))
	assert.False(t, ValidIP(""))
}

func TestConnectionRecvUntil(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	conn := NewConnection(serverSide, RoleClient, zap.NewNop())
	defer conn.Close()

	go func() {
		_, _ = clientSide.Write([]byte("GET / HTTP/1.1\r\n"))
		_, _ = clientSide.Write([]byte("Host: x\r\n\r\n"))
	}()

	data, active := conn.RecvUntil(context.Background(), func(b []byte) bool {
		return len(b) >= len("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	})
	require.True(t, active)
	assert.Equal(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n", string(data))
	assert.Equal(t, int64(len(data)), conn.BytesIn())
}

func TestConnectionRecvUntilPeerClose(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	conn := NewConnection(serverSide, RoleClient, zap.NewNop())
	defer conn.Close()

	go func() {
		_, _ = clientSide.Write([]byte("partial"))
		_ = clientSide.Close()
	}()

	data, active := conn.RecvUntil(context.Background(), func(b []byte) bool { return false })
	if active {
		t.Error("RecvUntil() reported active after peer close")
	}
	assert.Equal(t, "partial", string(data))
}

func TestConnectionWriteAll(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	conn := NewConnection(serverSide, RoleOrigin, zap.NewNop())
	defer conn.Close()

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := clientSide.Read(buf)
		received <- buf[:n]
	}()

	ok := conn.WriteAll([]byte("hello"))
	require.True(t, ok)
	assert.Equal(t, "hello", string(<-received))
	assert.Equal(t, int64(5), conn.BytesOut())
}

func TestConnectionCloseIdempotent(t *testing.T) {
	_, serverSide := net.Pipe()
	conn := NewConnection(serverSide, RoleClient, nil)
	conn.Close()
	conn.Close() // must not panic
}
