package modem

import (
	"errors"
	"io"
	"testing"
	"time"
)

// chunkPipe delivers a response in fixed pieces, one per read, the way a
// serial port drips bytes in.
type chunkPipe struct {
	chunks [][]byte
	i      int
	err    error
}

func (c *chunkPipe) Read(p []byte) (int, error) {
	if c.i >= len(c.chunks) {
		return 0, c.err
	}
	n := copy(p, c.chunks[c.i])
	c.i++
	return n, nil
}

func (c *chunkPipe) Write(p []byte) (int, error) { return len(p), nil }
func (c *chunkPipe) Close() error                { return nil }

func TestReadUntilAssemblesChunks(t *testing.T) {
	pipe := &chunkPipe{chunks: [][]byte{
		[]byte("\r\n+CPIN: "),
		[]byte("READY\r\n"),
		[]byte("\r\nOK\r\n"),
	}}
	resp, err := readUntil(pipe, time.Second, isFinalResponse)
	if err != nil {
		t.Fatalf("readUntil() error = %v", err)
	}
	if resp != "\r\n+CPIN: READY\r\n\r\nOK\r\n" {
		t.Errorf("resp = %q", resp)
	}
}

func TestReadUntilToleratesEOFBetweenChunks(t *testing.T) {
	// A tty opened with a read timeout reports io.EOF on an empty slice;
	// that must not abort the exchange.
	pipe := &chunkPipe{
		chunks: [][]byte{[]byte("\r\nOK")},
		err:    io.EOF,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := readUntil(pipe, 300*time.Millisecond, func(s string) bool { return len(s) >= 6 })
		if err == nil {
			t.Errorf("readUntil() expected timeout, got resp %q", resp)
		}
		if !errors.Is(err, ErrATTimeout) {
			t.Errorf("readUntil() error = %v, want ErrATTimeout", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readUntil did not honor its deadline")
	}
}

func TestReadUntilTimesOut(t *testing.T) {
	pipe := &chunkPipe{}
	start := time.Now()
	_, err := readUntil(pipe, 50*time.Millisecond, isFinalResponse)
	if !errors.Is(err, ErrATTimeout) {
		t.Fatalf("readUntil() error = %v, want ErrATTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("readUntil took %s for a 50ms deadline", elapsed)
	}
}

func TestReadUntilSurfacesHardErrors(t *testing.T) {
	pipe := &chunkPipe{err: errors.New("read /dev/ttyUSB2: no such device")}
	_, err := readUntil(pipe, time.Second, isFinalResponse)
	if err == nil {
		t.Fatal("readUntil() with device error returned nil")
	}
	if !isDeviceGone(err) {
		t.Errorf("device loss not preserved through wrap: %v", err)
	}
}
