package proxy

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"

	"github.com/lichangche/cntlm/internal/httpmsg"
	"github.com/lichangche/cntlm/internal/logger"
)

// bodyRelay forwards a response body to the client, replaying any bytes a
// hook already consumed for inspection before streaming the remainder.
type bodyRelay struct {
	ubr    *bufio.Reader
	sem    httpmsg.BodySemantics
	length int64

	// pre holds consumed body bytes (original framing) to emit first.
	pre []byte
	// done marks the body as fully consumed into pre.
	done bool
}

func newBodyRelay(ubr *bufio.Reader, resp *httpmsg.Response) *bodyRelay {
	return &bodyRelay{ubr: ubr, sem: resp.Body, length: resp.ContentLength}
}

func (b *bodyRelay) relay(w io.Writer) error {
	if len(b.pre) > 0 {
		if _, err := w.Write(b.pre); err != nil {
			return err
		}
	}
	if b.done {
		return nil
	}
	_, err := httpmsg.CopyBody(w, b.ubr, b.sem, b.length)
	return err
}

// refreshMarker identifies the scanner's delay page: an HTML meta
// refresh pointing at the staged download.
const refreshMarker = ";url="

// scannerHook inspects a response for the file-scanner interstitial when
// the request's User-Agent matches a configured pattern. When the page is
// recognized, the embedded refresh URL is fetched on the same
// authenticated connection and the final payload replaces the response.
// Returns replaced=true when *resp now refers to the follow-up response
// with its body unread on ubr.
func (s *Service) scannerHook(conn net.Conn, ubr *bufio.Reader, req *httpmsg.Request, out *httpmsg.Request, resp **httpmsg.Response, body *bodyRelay) (bool, error) {
	r := *resp
	if r.StatusCode != 200 || !s.Scanner.Agents.Match(req.Header.Get("User-Agent")) {
		return false, nil
	}
	if ct := r.Header.Get("Content-Type"); !strings.Contains(strings.ToLower(ct), "text/html") {
		return false, nil
	}

	maxBytes := s.Scanner.MaxSizeKiB * 1024
	buf, fit, err := httpmsg.BufferBody(ubr, r.Body, r.ContentLength, maxBytes)
	if err != nil {
		return false, errKind(KindTransport, "read interstitial", err)
	}
	if !fit {
		// over the cap; what was read is gone, the page cannot be both
		// inspected and relayed
		return false, errKind(KindProtocol, "scanner interstitial", io.ErrShortBuffer)
	}

	// keep the buffered bytes relayable in case this is not the page
	body.pre = buf
	body.done = true

	url := extractRefreshURL(buf)
	if url == "" {
		return false, nil
	}

	logger.Info("Scanner interstitial detected, following refresh", "url", url)

	follow := &httpmsg.Request{
		Method:     "GET",
		RequestURI: url,
		Proto:      "HTTP/1.1",
		Header:     out.Header.Clone(),
	}
	follow.Header.Del("Content-Length")
	follow.Header.Del("Transfer-Encoding")
	follow.Header.Del("Proxy-Authorization")
	if err := follow.WriteTo(conn, ""); err != nil {
		return false, errKind(KindTransport, "send scanner follow-up", err)
	}

	s.readDeadline(conn)
	next, err := httpmsg.ReadResponse(ubr, "GET")
	if err != nil {
		return false, errKind(KindTransport, "read scanner follow-up", err)
	}
	*resp = next
	return true, nil
}

// extractRefreshURL pulls the url= target out of an HTML meta refresh.
func extractRefreshURL(page []byte) string {
	lower := bytes.ToLower(page)
	i := bytes.Index(lower, []byte(refreshMarker))
	if i < 0 {
		return ""
	}
	rest := page[i+len(refreshMarker):]
	end := bytes.IndexAny(rest, "\"'> \r\n")
	if end < 0 {
		end = len(rest)
	}
	url := strings.TrimSpace(string(rest[:end]))
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ""
	}
	return url
}
