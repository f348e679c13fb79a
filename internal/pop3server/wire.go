package pop3server

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/emersion/go-message"
)

// writeDotStuffed writes raw as a POP3 multi-line response: every line that
// starts with "." gets a second "." prepended, and the stream ends with the
// "<CRLF>.<CRLF>" terminator, per RFC 1939 §3. This mirrors the SMTP DATA
// dot-stuffing rule but in the opposite direction.
func writeDotStuffed(w *bufio.Writer, raw []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ".") {
			if _, err := w.WriteString("."); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_, err := w.WriteString(".\r\n")
	return err
}

// topLines returns the header block plus the first n body lines of raw, per
// RFC 1939's TOP command. The header/body split is done by go-message's
// entity parser rather than a manual CRLFCRLF scan, so a message whose
// headers span folded or unusually-encoded lines splits the same way the
// Graph Client and the SMTP engine's own message.Read validation see it. If
// raw doesn't parse as a MIME entity, the whole message is returned as-is.
func topLines(raw []byte, n int) []byte {
	m, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		return raw
	}

	var out bytes.Buffer
	fields := m.Header.Fields()
	for fields.Next() {
		out.WriteString(fields.Key())
		out.WriteString(": ")
		out.WriteString(fields.Value())
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")

	scanner := bufio.NewScanner(m.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for i := 0; i < n && scanner.Scan(); i++ {
		out.WriteString(scanner.Text())
		out.WriteString("\r\n")
	}
	return out.Bytes()
}
