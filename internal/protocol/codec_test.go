package protocol

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(BuildEnvelope("LOGIN", "alice", "pw"))
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestFrameLengthIsTenDigits(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hi")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	header := buf.Bytes()[:10]
	if string(header) != "         2" {
		t.Fatalf("expected right-justified length header, got %q", header)
	}
}

func TestParseEnvelope(t *testing.T) {
	cases := []struct {
		in         string
		wantCode   string
		wantParams []string
	}{
		{"LOGIN~alice~pw", "LOGIN", []string{"alice", "pw"}},
		{"EXIT", "EXIT", nil},
		{"GETSUMMARIES~", "GETSUMMARIES", []string{""}},
	}
	for _, c := range cases {
		code, params := ParseEnvelope(c.in)
		if code != c.wantCode {
			t.Errorf("ParseEnvelope(%q) code = %q, want %q", c.in, code, c.wantCode)
		}
		if len(params) != len(c.wantParams) {
			t.Errorf("ParseEnvelope(%q) params = %v, want %v", c.in, params, c.wantParams)
			continue
		}
		for i := range params {
			if params[i] != c.wantParams[i] {
				t.Errorf("ParseEnvelope(%q) params[%d] = %q, want %q", c.in, i, params[i], c.wantParams[i])
			}
		}
	}
}

func TestBuildEnvelopeRoundTrip(t *testing.T) {
	env := BuildEnvelope("ENCODED", "Y2lwaGVydGV4dA==", "aXY=")
	code, params := ParseEnvelope(env)
	if code != "ENCODED" {
		t.Fatalf("expected code ENCODED, got %q", code)
	}
	if len(params) != 2 || params[0] != "Y2lwaGVydGV4dA==" || params[1] != "aXY=" {
		t.Fatalf("unexpected params: %v", params)
	}
}

func TestEncodeDecodeParamRoundTrip(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	in := payload{Name: "alice", N: 42}
	encoded, err := EncodeParam(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out payload
	if err := DecodeParam(encoded, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}
