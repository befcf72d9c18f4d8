package transcode

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testOfferSdp = "v=0\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\n" +
	"a=rtpmap:111 opus/48000/2\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 102\n" +
	"a=rtpmap:102 H264/90000\n"

func testSupervisor(t *testing.T) *Supervisor {
	s := NewSupervisor(SupervisorOptions{
		OutputRoot:      t.TempDir(),
		SettleDelay:     10 * time.Millisecond,
		StableThreshold: time.Minute,
		CrashBackoff:    10 * time.Millisecond,
		MaxRetries:      2,
		StopGrace:       50 * time.Millisecond,
	})
	t.Cleanup(func() {
		s.mu.Lock()
		for key := range s.shouldRun {
			s.shouldRun[key] = false
		}
		for _, proc := range s.processes {
			_ = proc.Kill()
		}
		s.mu.Unlock()
	})

	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestStartWritesInputDescriptorAndReturnsPlaybackURL(t *testing.T) {
	s := testSupervisor(t)
	s.launch = func(streamKey, sdpPath, outDir string) *exec.Cmd {
		return exec.Command("sleep", "60")
	}

	url, err := s.Start("abc123", 40000, 40002, testOfferSdp)
	assert.Nil(t, err)
	assert.Equal(t, "/hls/abc123/index.m3u8", url)

	raw, err := os.ReadFile(filepath.Join(s.outputRoot(), "abc123", inputSdpName))
	assert.Nil(t, err)

	descriptor := string(raw)
	assert.Contains(t, descriptor, "m=audio 40000 RTP/AVP 111")
	assert.Contains(t, descriptor, "m=video 40002 RTP/AVP 102")
	assert.Contains(t, descriptor, "a=recvonly")

	s.Stop("abc123")
}

func TestStartRejectsInvalidOffer(t *testing.T) {
	s := testSupervisor(t)

	_, err := s.Start("abc123", 40000, 40002, "not an sdp")
	assert.NotNil(t, err)
}

func TestStartSupersedesPreviousGeneration(t *testing.T) {
	s := testSupervisor(t)
	s.launch = func(streamKey, sdpPath, outDir string) *exec.Cmd {
		return exec.Command("sleep", "60")
	}

	_, err := s.Start("abc123", 40000, 40002, testOfferSdp)
	assert.Nil(t, err)

	s.mu.Lock()
	firstGen := s.generations["abc123"]
	s.mu.Unlock()

	_, err = s.Start("abc123", 40004, 40006, testOfferSdp)
	assert.Nil(t, err)

	s.mu.Lock()
	secondGen := s.generations["abc123"]
	s.mu.Unlock()

	assert.True(t, secondGen > firstGen)

	s.Stop("abc123")
}

func TestResilientLoopGivesUpAfterRetryCeiling(t *testing.T) {
	s := testSupervisor(t)
	s.opts.StableThreshold = time.Minute

	launches := make(chan struct{}, 16)
	s.launch = func(streamKey, sdpPath, outDir string) *exec.Cmd {
		launches <- struct{}{}
		return exec.Command("false")
	}

	_, err := s.Start("crashy", 40000, 40002, testOfferSdp)
	assert.Nil(t, err)

	// MaxRetries=2 allows the initial run plus two restarts.
	ok := waitFor(t, 5*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, running := s.generations["crashy"]
		return !running
	})
	assert.True(t, ok, "loop should give up and clean its registry entry")
	assert.Equal(t, 3, len(launches))
}

func TestStopUnknownKeyIsNoOp(t *testing.T) {
	s := testSupervisor(t)
	s.Stop("never-started")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 0, len(s.shouldRun))
}

func TestStopClearsRegistryEntries(t *testing.T) {
	s := testSupervisor(t)
	s.launch = func(streamKey, sdpPath, outDir string) *exec.Cmd {
		return exec.Command("sleep", "60")
	}

	_, err := s.Start("abc123", 40000, 40002, testOfferSdp)
	assert.Nil(t, err)

	started := waitFor(t, 2*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.processes["abc123"]
		return ok
	})
	assert.True(t, started)

	s.Stop("abc123")

	cleared := waitFor(t, 2*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, hasRun := s.shouldRun["abc123"]
		_, hasGen := s.generations["abc123"]
		_, hasProc := s.processes["abc123"]
		return !hasRun && !hasGen && !hasProc
	})
	assert.True(t, cleared, "stop should leave no registry entries behind")
}

func TestResolveFile(t *testing.T) {
	s := testSupervisor(t)

	dir := filepath.Join(s.outputRoot(), "abc123")
	assert.Nil(t, os.MkdirAll(dir, 0o755))

	t.Run("resolves a plain file name", func(t *testing.T) {
		path, ok := s.ResolveFile("abc123", "index.m3u8")
		assert.True(t, ok)
		assert.Equal(t, filepath.Join(dir, "index.m3u8"), path)
	})

	t.Run("rejects traversal", func(t *testing.T) {
		_, ok := s.ResolveFile("abc123", "../other/index.m3u8")
		assert.False(t, ok)

		_, ok = s.ResolveFile("abc123", "..")
		assert.False(t, ok)

		_, ok = s.ResolveFile("abc123", "..\\..\\etc\\passwd")
		assert.False(t, ok)
	})

	t.Run("rejects blank arguments", func(t *testing.T) {
		_, ok := s.ResolveFile("", "index.m3u8")
		assert.False(t, ok)

		_, ok = s.ResolveFile("abc123", "")
		assert.False(t, ok)
	})
}

func TestPlaybackURL(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{OutputRoot: t.TempDir()})
	assert.Equal(t, "/hls/abc/index.m3u8", s.PlaybackURL("abc"))

	s = NewSupervisor(SupervisorOptions{
		OutputRoot:    t.TempDir(),
		PublicBaseURL: "https://cdn.example.com/",
	})
	assert.Equal(t, "https://cdn.example.com/hls/abc/index.m3u8", s.PlaybackURL("abc"))
}

func TestConsumeOutputBatchesLines(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), ffmpegLogName)

	var b strings.Builder
	for i := 0; i < logBatchSize+5; i++ {
		b.WriteString("frame line\n")
	}

	consumeOutput(strings.NewReader(b.String()), logPath)

	raw, err := os.ReadFile(logPath)
	assert.Nil(t, err)

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	assert.Equal(t, logBatchSize+5, len(lines))
}
