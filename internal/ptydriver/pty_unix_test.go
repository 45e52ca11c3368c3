//go:build !windows

package ptydriver

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartEchoesOutput(t *testing.T) {
	cmd := exec.Command("sh", "-c", "echo hello")
	p, err := Start(cmd)
	require.NoError(t, err)
	defer p.Close()

	buf := make([]byte, 256)
	deadline := time.Now().Add(5 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		n, rerr := p.Read(buf)
		got = append(got, buf[:n]...)
		if rerr != nil {
			break
		}
		if len(got) > 0 {
			break
		}
	}
	assert.Contains(t, string(got), "hello")

	_, err = p.Wait()
	assert.NoError(t, err)
}

func TestSignalKillStopsChild(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30")
	p, err := Start(cmd)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Signal(SignalKill))

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed within timeout")
	}
}

func TestReadReturnsEOFAfterExit(t *testing.T) {
	cmd := exec.Command("sh", "-c", "true")
	p, err := Start(cmd)
	require.NoError(t, err)
	defer p.Close()

	buf := make([]byte, 64)
	var readErr error
	for readErr == nil {
		_, readErr = p.Read(buf)
	}
	assert.Error(t, readErr)
	p.Wait()
}
