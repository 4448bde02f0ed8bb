package htrd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, opt Option) (peeks, pokes *int, recs *[]*Record, d *Decoder) {
	t.Helper()
	var peekCount, pokeCount int
	var got []*Record
	d = NewDecoder(opt)
	d.SetCallbacks(Callbacks{
		Peek: func(r *Record) error { peekCount++; return nil },
		Poke: func(r *Record) error {
			pokeCount++
			cp := *r
			content := append([]byte(nil), r.Content...)
			cp.Content = content
			got = append(got, &cp)
			return nil
		},
	})
	return &peekCount, &pokeCount, &got, d
}

func TestDecoderSimpleRequest(t *testing.T) {
	_, pokes, recs, d := collect(t, OptRequest|OptResponse)

	req := "GET /foo?x=1#frag HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello"
	rem, err := d.Feed([]byte(req), false)
	require.NoError(t, err)
	require.Zero(t, rem)
	require.Equal(t, 1, *pokes)

	r := (*recs)[0]
	require.Equal(t, KindRequest, r.Kind)
	require.Equal(t, "GET", r.Method)
	require.Equal(t, "/foo", r.Path)
	require.Equal(t, "x=1", r.Param)
	require.Equal(t, "frag", r.Anchor)
	require.Equal(t, Version{1, 1}, r.Version)
	require.Equal(t, "hello", string(r.Content))
	require.True(t, r.Flags&FlagKeepAlive != 0)
}

func TestDecoderByteAtATimeMatchesOneShot(t *testing.T) {
	req := "POST /submit HTTP/1.0\r\nContent-Length: 11\r\nConnection: keep-alive\r\n\r\nhello world"

	_, _, recsOneShot, d1 := collect(t, OptRequest|OptResponse)
	_, err := d1.Feed([]byte(req), false)
	require.NoError(t, err)

	_, _, recsByte, d2 := collect(t, OptRequest|OptResponse)
	for i := 0; i < len(req); i++ {
		_, err := d2.Feed([]byte{req[i]}, false)
		require.NoError(t, err)
	}

	require.Len(t, *recsOneShot, 1)
	require.Len(t, *recsByte, 1)
	require.Equal(t, (*recsOneShot)[0].Content, (*recsByte)[0].Content)
	require.Equal(t, (*recsOneShot)[0].Path, (*recsByte)[0].Path)
	require.True(t, (*recsByte)[0].Flags&FlagKeepAlive != 0)
}

func TestDecoderChunkedSlicedFeed(t *testing.T) {
	msg := "GET /c HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"

	_, pokes, recs, d := collect(t, OptRequest|OptResponse)
	for i := 0; i < len(msg); i++ {
		_, err := d.Feed([]byte{msg[i]}, false)
		require.NoError(t, err)
	}
	require.Equal(t, 1, *pokes)
	require.Equal(t, "Wikipedia", string((*recs)[0].Content))
	require.True(t, (*recs)[0].Flags&FlagChunked != 0)
}

func TestDecoderChunkedWithTrailers(t *testing.T) {
	msg := "GET /c HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3\r\nabc\r\n0\r\nX-Trailer: v\r\n\r\n"

	_, _, recs, d := collect(t, OptRequest|OptResponse|OptTrailers)
	_, err := d.Feed([]byte(msg), false)
	require.NoError(t, err)
	require.Len(t, *recs, 1)

	r := (*recs)[0]
	require.Equal(t, "abc", string(r.Content))
	v, ok := r.Trailers.Get("X-Trailer")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestDecoderBareLFLineEndingsEquivalentToCRLF(t *testing.T) {
	req := "GET /x HTTP/1.1\nHost: h\nContent-Length: 2\n\nhi"
	_, pokes, recs, d := collect(t, OptRequest)
	_, err := d.Feed([]byte(req), false)
	require.NoError(t, err)
	require.Equal(t, 1, *pokes)
	require.Equal(t, "/x", (*recs)[0].Path)
	v, ok := (*recs)[0].Headers.Get("Host")
	require.True(t, ok)
	require.Equal(t, "h", v)
	require.Equal(t, "hi", string((*recs)[0].Content))
}

func TestDecoderFoldedHeaderContinuation(t *testing.T) {
	req := "GET / HTTP/1.1\r\nX-Long: part1\r\n part2\r\n\r\n"
	_, _, recs, d := collect(t, OptRequest)
	_, err := d.Feed([]byte(req), false)
	require.NoError(t, err)
	v, ok := (*recs)[0].Headers.Get("X-Long")
	require.True(t, ok)
	require.Equal(t, "part1 part2", v)
}

func TestDecoderMultipleSameNameHeadersPreserveOrder(t *testing.T) {
	req := "GET / HTTP/1.1\r\nSet-Cookie: a=1\r\nSet-Cookie: b=2\r\n\r\n"
	_, _, recs, d := collect(t, OptRequest)
	_, err := d.Feed([]byte(req), false)
	require.NoError(t, err)
	vs := (*recs)[0].Headers.Values("Set-Cookie")
	require.Equal(t, []string{"a=1", "b=2"}, vs)
}

func TestDecoderConnectionCloseOverridesKeepAliveDefault(t *testing.T) {
	req := "GET / HTTP/1.1\r\nConnection: close\r\n\r\n"
	_, _, recs, d := collect(t, OptRequest)
	_, err := d.Feed([]byte(req), false)
	require.NoError(t, err)
	require.True(t, (*recs)[0].Flags&FlagKeepAlive == 0)
}

func TestDecoderContentLengthChunkedConflictIsBadRequest(t *testing.T) {
	req := "GET / HTTP/1.1\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\nhello"
	_, _, _, d := collect(t, OptRequest)
	_, err := d.Feed([]byte(req), false)
	require.ErrorIs(t, err, ErrBadRecord)
}

func TestDecoderResponseStatusLine(t *testing.T) {
	resp := "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"
	_, pokes, recs, d := collect(t, OptResponse)
	_, err := d.Feed([]byte(resp), false)
	require.NoError(t, err)
	require.Equal(t, 1, *pokes)
	r := (*recs)[0]
	require.Equal(t, KindResponse, r.Kind)
	require.Equal(t, 404, r.StatusCode)
	require.Equal(t, "Not Found", r.StatusMsg)
}

func TestDecoderResponseUntilCloseNeedsHalt(t *testing.T) {
	resp := "HTTP/1.0 200 OK\r\n\r\nbody-without-length"
	_, pokes, recs, d := collect(t, OptResponse)
	_, err := d.Feed([]byte(resp), false)
	require.NoError(t, err)
	require.Equal(t, 0, *pokes)

	require.NoError(t, d.Halt())
	require.Equal(t, 1, *pokes)
	require.Equal(t, "body-without-length", string((*recs)[0].Content))
}

func TestDecoderSuspendRejectsFurtherFeed(t *testing.T) {
	_, _, _, d := collect(t, OptRequest)
	d.Suspend()
	_, err := d.Feed([]byte("x"), false)
	require.ErrorIs(t, err, ErrSuspended)
	d.Resume()
	_, err = d.Feed([]byte("GET / HTTP/1.1\r\n\r\n"), false)
	require.NoError(t, err)
}

func TestDecoderDummifyPassesRawBytesAsContent(t *testing.T) {
	_, _, _, d := collect(t, OptRequest)
	d.Dummify()
	_, err := d.Feed([]byte("not http at all"), false)
	require.NoError(t, err)
	require.Equal(t, "not http at all", string(d.Record().Content))
}

func TestDecoderPipelinedRequestsStopAfterRecord(t *testing.T) {
	_, pokes, recs, d := collect(t, OptRequest)
	two := "GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n"
	rem, err := d.Feed([]byte(two), true)
	require.NoError(t, err)
	require.Equal(t, 1, *pokes)
	require.Equal(t, "/a", (*recs)[0].Path)
	require.Equal(t, len("GET /b HTTP/1.1\r\n\r\n"), rem)
}
