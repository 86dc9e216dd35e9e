package activemq

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := &frame{
		command: "SEND",
		headers: map[string]string{
			"destination": "/queue/dispatch.pool-a",
			"JMSXGroupID": "group-1",
		},
		body: []byte(`{"hello":"world"}`),
	}

	encoded := f.encode()
	decoded, err := readFrame(bufio.NewReader(bytes.NewReader(encoded)))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}

	if decoded.command != f.command {
		t.Errorf("command = %q, want %q", decoded.command, f.command)
	}
	if decoded.header("destination") != f.headers["destination"] {
		t.Errorf("destination = %q, want %q", decoded.header("destination"), f.headers["destination"])
	}
	if string(decoded.body) != string(f.body) {
		t.Errorf("body = %q, want %q", decoded.body, f.body)
	}
}

func TestHeaderEscapeUnescapeRoundTrip(t *testing.T) {
	original := "value:with\\backslash\nand newline"
	escaped := escapeHeader(original)
	if escaped == original {
		t.Fatal("expected escaping to change the string")
	}
	if got := unescapeHeader(escaped); got != original {
		t.Errorf("unescapeHeader(escapeHeader(x)) = %q, want %q", got, original)
	}
}

func TestReadFrameSkipsHeartbeatNewlines(t *testing.T) {
	raw := "\n\n" + string((&frame{command: "CONNECTED", headers: map[string]string{"version": "1.2"}}).encode())
	f, err := readFrame(bufio.NewReader(bytes.NewReader([]byte(raw))))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if f.command != "CONNECTED" {
		t.Errorf("command = %q, want CONNECTED", f.command)
	}
}
