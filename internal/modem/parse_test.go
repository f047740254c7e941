package modem

import (
	"errors"
	"testing"
)

func TestParseCLCC(t *testing.T) {
	tests := []struct {
		name string
		line string
		want clccEntry
		ok   bool
	}{
		{
			name: "outbound active",
			line: `+CLCC: 1,0,0,0,0,"17025551234",129`,
			want: clccEntry{id: 1, dir: 0, stat: 0, number: "17025551234"},
			ok:   true,
		},
		{
			name: "inbound incoming international",
			line: `+CLCC: 2,1,4,0,0,"+17025551234",145`,
			want: clccEntry{id: 2, dir: 1, stat: 4, number: "+17025551234"},
			ok:   true,
		},
		{
			name: "withheld number",
			line: `+CLCC: 1,1,4,0,0,"",128`,
			want: clccEntry{id: 1, dir: 1, stat: 4, number: ""},
			ok:   true,
		},
		{
			name: "too few fields",
			line: `+CLCC: 1,0,0`,
			ok:   false,
		},
		{
			name: "non-numeric status",
			line: `+CLCC: 1,0,x,0,0,"17025551234",129`,
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseCLCC(tt.line)
			if ok != tt.ok {
				t.Fatalf("parseCLCC(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("parseCLCC(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParseCMTI(t *testing.T) {
	tests := []struct {
		line string
		want int
		ok   bool
	}{
		{`+CMTI: "SM",3`, 3, true},
		{`+CMTI: "ME",12`, 12, true},
		{`+CMTI: "SM"`, 0, false},
		{`+CMTI: "SM",x`, 0, false},
	}
	for _, tt := range tests {
		got, ok := parseCMTI(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseCMTI(%q) = %d, %v, want %d, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFirstQuoted(t *testing.T) {
	if got := firstQuoted(`+CLIP: "17025551234",145`); got != "17025551234" {
		t.Errorf("firstQuoted = %q, want %q", got, "17025551234")
	}
	if got := firstQuoted("RING"); got != "" {
		t.Errorf("firstQuoted on unquoted line = %q, want empty", got)
	}
}

func TestParseCMGR(t *testing.T) {
	tests := []struct {
		name       string
		resp       string
		wantSender string
		wantBody   string
		wantOK     bool
	}{
		{
			name:       "single line body",
			resp:       "\r\n+CMGR: \"REC UNREAD\",\"+17025551234\",,\"24/08/20,14:33:02-28\"\r\nCall me back\r\n\r\nOK\r\n",
			wantSender: "+17025551234",
			wantBody:   "Call me back",
			wantOK:     true,
		},
		{
			name:       "multi line body",
			resp:       "\r\n+CMGR: \"REC READ\",\"+17025551234\",,\"24/08/20,14:33:02-28\"\r\nfirst line\r\nsecond line\r\n\r\nOK\r\n",
			wantSender: "+17025551234",
			wantBody:   "first line\nsecond line",
			wantOK:     true,
		},
		{
			name:   "missing header",
			resp:   "\r\nOK\r\n",
			wantOK: false,
		},
		{
			name:   "header without sender",
			resp:   "\r\n+CMGR: \"REC UNREAD\"\r\nbody\r\nOK\r\n",
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, body, ok := parseCMGR(tt.resp)
			if ok != tt.wantOK {
				t.Fatalf("parseCMGR ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if sender != tt.wantSender {
				t.Errorf("sender = %q, want %q", sender, tt.wantSender)
			}
			if body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestIsUCS2Hex(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"00480069", true},
		{"D83DDE00", true},
		{"dead", true},
		{"Hello", false},
		{"0048006", false},
		{"", false},
		{"00gg", false},
	}
	for _, tt := range tests {
		if got := isUCS2Hex(tt.in); got != tt.want {
			t.Errorf("isUCS2Hex(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestUCS2Decode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ascii", "00480069", "Hi"},
		{"accented", "004800E9006C006C006F", "Héllo"},
		{"surrogate pair emoji", "D83DDE00", "\U0001F600"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ucs2Decode(tt.in)
			if err != nil {
				t.Fatalf("ucs2Decode(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ucs2Decode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	if _, err := ucs2Decode("00gg"); err == nil {
		t.Error("ucs2Decode with bad hex returned nil error")
	}
}

func TestFinalResponseHelpers(t *testing.T) {
	tests := []struct {
		resp      string
		final     bool
		ok        bool
		errorLine bool
	}{
		{"\r\nOK\r\n", true, true, false},
		{"\r\n+CPIN: READY\r\n\r\nOK\r\n", true, true, false},
		{"\r\nERROR\r\n", true, false, true},
		{"\r\n+CME ERROR: 10\r\n", true, false, true},
		{"\r\n+CMS ERROR: 302\r\n", true, false, true},
		{"\r\nNO CARRIER\r\n", true, false, false},
		{"\r\nBUSY\r\n", true, false, false},
		{"\r\n+CLCC: 1,0,0,0,0,\"17025551234\",129\r\n", false, false, false},
		{"OKAY\r\n", false, false, false},
		{"", false, false, false},
	}
	for _, tt := range tests {
		if got := isFinalResponse(tt.resp); got != tt.final {
			t.Errorf("isFinalResponse(%q) = %v, want %v", tt.resp, got, tt.final)
		}
		if got := hasOK(tt.resp); got != tt.ok {
			t.Errorf("hasOK(%q) = %v, want %v", tt.resp, got, tt.ok)
		}
		if got := hasErrorLine(tt.resp); got != tt.errorLine {
			t.Errorf("hasErrorLine(%q) = %v, want %v", tt.resp, got, tt.errorLine)
		}
	}
}

func TestSummarize(t *testing.T) {
	if got := summarize("\r\n+CME ERROR: 10\r\nOK\r\n"); got != "+CME ERROR: 10 OK" {
		t.Errorf("summarize = %q", got)
	}
}

func TestIsDeviceGone(t *testing.T) {
	if !isDeviceGone(errors.New("write /dev/ttyUSB2: no such device")) {
		t.Error("kernel unplug error not recognized")
	}
	if isDeviceGone(errors.New("read timeout")) {
		t.Error("timeout misclassified as device loss")
	}
	if isDeviceGone(nil) {
		t.Error("nil error misclassified as device loss")
	}
}
