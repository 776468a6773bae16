package httpconn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParserHeadersAcrossChunks(t *testing.T) {
	p := NewParser()

	raw := "GET /hello HTTP/1.1\r\nHost: example.com\r\nAccept-Encoding: gzip, deflate\r\n\r\n"
	var total int
	for i := 0; i < len(raw); i += 7 {
		end := i + 7
		if end > len(raw) {
			end = len(raw)
		}
		chunk := []byte(raw[i:end])
		consumed, final, err := p.Feed(chunk)
		require.NoError(t, err)
		total += consumed
		if final {
			req := p.Request()
			require.Equal(t, "GET", req.Method)
			require.Equal(t, "/hello", req.Path)
			require.Equal(t, 1, req.Major)
			require.Equal(t, 1, req.Minor)
			host, ok := req.HeaderValue("Host")
			require.True(t, ok)
			require.Equal(t, "example.com", host)
			return
		}
	}
	t.Fatal("parser never reached final=true")
}

func TestParserSimpleRequestLine(t *testing.T) {
	p := NewParser()
	consumed, final, err := p.Feed([]byte("/index.html\r\n\r\n"))
	require.NoError(t, err)
	require.True(t, final)
	require.Equal(t, len("/index.html\r\n\r\n"), consumed)
	req := p.Request()
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/index.html", req.Path)
	require.Equal(t, 0, req.Minor)
}

func TestParserLeftoverBytesPushedBack(t *testing.T) {
	p := NewParser()
	raw := "GET / HTTP/1.1\r\n\r\nEXTRA"
	consumed, final, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	require.True(t, final)
	require.Equal(t, raw[consumed:], "EXTRA")
}

func TestParserUnsupportedVersion(t *testing.T) {
	p := NewParser()
	_, _, err := p.Feed([]byte("GET / HTTP/2.0\r\n"))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParserMalformedRequestLine(t *testing.T) {
	p := NewParser()
	_, _, err := p.Feed([]byte("not a request\r\n"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParserMalformedHeaderLine(t *testing.T) {
	p := NewParser()
	_, _, err := p.Feed([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)
	_, _, err = p.Feed([]byte("not-a-header-line\r\n"))
	require.ErrorIs(t, err, ErrMalformed)
}
