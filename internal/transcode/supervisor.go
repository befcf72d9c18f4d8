// Package transcode supervises one ffmpeg process per stream key, turning
// the RTP forwarded by the SFU into a rolling HLS playlist on disk.
package transcode

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ourshop/streamgate/internal/sdp"
	"github.com/ourshop/streamgate/internal/telemetry"
)

const (
	playlistName  = "index.m3u8"
	segmentName   = "seg_%05d.ts"
	inputSdpName  = "input.sdp"
	ffmpegLogName = "ffmpeg.log"

	logBatchSize = 200
)

// SupervisorOptions configures a Supervisor. Zero durations and counts take
// the defaults matching a 60s-timeout SFU deployment.
type SupervisorOptions struct {
	// OutputRoot is the directory holding one subdirectory per stream key.
	OutputRoot string
	// PublicBaseURL prefixes playback URLs; empty means relative URLs for
	// local development.
	PublicBaseURL string
	// FfmpegPath is the transcoder binary, "ffmpeg" when empty.
	FfmpegPath string

	// SettleDelay is how long Start waits before returning the playback
	// URL, so first segments are likely on disk shortly after.
	SettleDelay time.Duration
	// StableThreshold is the run time after which a crash no longer counts
	// against the retry ceiling.
	StableThreshold time.Duration
	// CrashBackoff is the pause between relaunches.
	CrashBackoff time.Duration
	// MaxRetries is the restart ceiling before a key is abandoned.
	MaxRetries int
	// StopGrace is how long Stop waits after the graceful signal before
	// force-killing.
	StopGrace time.Duration
}

// Supervisor keeps at most one logical transcoder instance per stream key.
// Starting a key again supersedes the previous instance: a fresh generation
// token is issued and the old resilient loop observes the mismatch and exits.
type Supervisor struct {
	opts SupervisorOptions

	mu          sync.Mutex
	generations map[string]uint64
	shouldRun   map[string]bool
	processes   map[string]*os.Process
	nextGen     uint64

	// launch is swapped in tests to supervise something cheaper than ffmpeg.
	launch func(streamKey, sdpPath, outDir string) *exec.Cmd
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.FfmpegPath == "" {
		opts.FfmpegPath = "ffmpeg"
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = time.Second
	}
	if opts.StableThreshold == 0 {
		opts.StableThreshold = 30 * time.Second
	}
	if opts.CrashBackoff == 0 {
		opts.CrashBackoff = 2 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 20
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 800 * time.Millisecond
	}

	s := &Supervisor{
		opts:        opts,
		generations: make(map[string]uint64),
		shouldRun:   make(map[string]bool),
		processes:   make(map[string]*os.Process),
	}
	s.launch = s.ffmpegCommand

	return s
}

// Start writes the transcoder input descriptor for the offer and launches
// the resilient loop for the key, superseding any earlier instance. It waits
// a short settle delay and returns the public playback URL without waiting
// for the loop to finish.
func (s *Supervisor) Start(streamKey string, audioPort, videoPort int, offer string) (string, error) {
	parsed, err := sdp.ParseOffer(offer)
	if err != nil {
		return "", err
	}

	outDir := filepath.Join(s.outputRoot(), streamKey)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}

	sdpPath := filepath.Join(outDir, inputSdpName)
	descriptor := sdp.BuildTranscoderSDP(audioPort, videoPort, parsed)
	if err := os.WriteFile(sdpPath, []byte(descriptor), 0o644); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.nextGen++
	gen := s.nextGen
	s.generations[streamKey] = gen
	s.shouldRun[streamKey] = true
	s.mu.Unlock()

	log.Info().
		Str("service", "transcode").
		Str("streamKey", streamKey).
		Uint64("generation", gen).
		Int("audioPort", audioPort).
		Int("videoPort", videoPort).
		Msg("starting transcoder")

	go s.runResilientLoop(streamKey, gen, sdpPath, outDir)

	time.Sleep(s.opts.SettleDelay)

	return s.PlaybackURL(streamKey), nil
}

// Stop signals the key's loop to exit and terminates the current process,
// forcing the kill after the grace window. Safe to call for unknown keys.
func (s *Supervisor) Stop(streamKey string) {
	s.mu.Lock()
	// Drop the key's whole registry entry. The loop reads the missing
	// shouldRun flag as false and exits; its deferred cleanup skips the
	// deleted generation, so the removal has to happen here.
	delete(s.shouldRun, streamKey)
	delete(s.generations, streamKey)
	proc := s.processes[streamKey]
	delete(s.processes, streamKey)
	s.mu.Unlock()

	log.Info().Str("service", "transcode").Str("streamKey", streamKey).Msg("stopping transcoder")

	if proc == nil {
		return
	}

	_ = proc.Signal(syscall.SIGTERM)
	grace := s.opts.StopGrace
	go func() {
		time.Sleep(grace)
		_ = proc.Kill()
	}()
}

// ResolveFile confines fileName to the key's output directory. Traversal
// attempts and paths normalizing outside the directory resolve to not-found.
func (s *Supervisor) ResolveFile(streamKey, fileName string) (string, bool) {
	if streamKey == "" || fileName == "" {
		return "", false
	}

	sanitized := strings.ReplaceAll(fileName, "\\", "/")
	if sanitized == ".." || strings.Contains(sanitized, "../") {
		return "", false
	}

	dir := filepath.Join(s.outputRoot(), streamKey)
	resolved := filepath.Clean(filepath.Join(dir, sanitized))
	if resolved != dir && !strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
		return "", false
	}

	return resolved, true
}

// PlaybackURL is the public address of the key's playlist.
func (s *Supervisor) PlaybackURL(streamKey string) string {
	base := strings.TrimSuffix(strings.TrimSpace(s.opts.PublicBaseURL), "/")
	return base + "/hls/" + streamKey + "/" + playlistName
}

func (s *Supervisor) runResilientLoop(streamKey string, gen uint64, sdpPath, outDir string) {
	retryCount := 0

	defer s.cleanup(streamKey, gen)

	for {
		s.mu.Lock()
		run := s.shouldRun[streamKey]
		current := s.generations[streamKey]
		s.mu.Unlock()

		if !run {
			log.Info().Str("service", "transcode").Str("streamKey", streamKey).Msg("loop stopped by request")
			return
		}
		if current != gen {
			// A newer Start superseded this loop; it must not touch the
			// key's process any more.
			log.Warn().
				Str("service", "transcode").
				Str("streamKey", streamKey).
				Uint64("generation", gen).
				Uint64("current", current).
				Msg("stale loop detected, terminating")
			return
		}

		if retryCount > 0 {
			log.Warn().
				Str("service", "transcode").
				Str("streamKey", streamKey).
				Int("attempt", retryCount+1).
				Msg("restarting transcoder process")
			telemetry.TranscoderRestarted()
		}

		startedAt := time.Now()
		cmd := s.launch(streamKey, sdpPath, outDir)

		// Merge stderr into the stdout pipe so one pump drains both.
		stdout, pipeErr := cmd.StdoutPipe()
		if pipeErr == nil {
			cmd.Stderr = cmd.Stdout
		}

		if err := cmd.Start(); err != nil {
			log.Error().Err(err).Str("service", "transcode").Str("streamKey", streamKey).Msg("can't start transcoder process")
			retryCount++
			if retryCount > s.opts.MaxRetries {
				return
			}
			time.Sleep(s.opts.CrashBackoff)
			continue
		}

		s.mu.Lock()
		s.processes[streamKey] = cmd.Process
		s.mu.Unlock()

		if stdout != nil {
			go consumeOutput(stdout, filepath.Join(outDir, ffmpegLogName))
		}

		waitErr := cmd.Wait()
		duration := time.Since(startedAt)

		s.mu.Lock()
		run = s.shouldRun[streamKey]
		s.mu.Unlock()
		if !run {
			log.Info().Str("service", "transcode").Str("streamKey", streamKey).Msg("process stopped by request")
			return
		}

		log.Warn().
			Err(waitErr).
			Str("service", "transcode").
			Str("streamKey", streamKey).
			Dur("duration", duration).
			Msg("transcoder process exited")

		if duration > s.opts.StableThreshold {
			retryCount = 0
		} else {
			retryCount++
		}

		if retryCount > s.opts.MaxRetries {
			log.Error().
				Str("service", "transcode").
				Str("streamKey", streamKey).
				Int("attempts", retryCount).
				Msg("too many transcoder failures, giving up")
			return
		}

		time.Sleep(s.opts.CrashBackoff)
	}
}

// cleanup clears the key's registry entries, but only while this loop's
// generation is still the current one.
func (s *Supervisor) cleanup(streamKey string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generations[streamKey] != gen {
		return
	}
	delete(s.generations, streamKey)
	delete(s.shouldRun, streamKey)
	delete(s.processes, streamKey)
}

func (s *Supervisor) outputRoot() string {
	root, err := filepath.Abs(s.opts.OutputRoot)
	if err != nil {
		return filepath.Clean(s.opts.OutputRoot)
	}
	return root
}

func (s *Supervisor) ffmpegCommand(streamKey, sdpPath, outDir string) *exec.Cmd {
	args := []string{
		"-hide_banner",
		"-loglevel", "info",
		"-protocol_whitelist", "file,udp,rtp",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", sdpPath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-g", "48",
		"-keyint_min", "48",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "6",
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(outDir, segmentName),
		filepath.Join(outDir, playlistName),
	}

	return exec.Command(s.opts.FfmpegPath, args...)
}

// consumeOutput drains the process output into the per-stream log file in
// bounded batches, so a full pipe buffer never blocks the process.
func consumeOutput(r io.Reader, logPath string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	batch := make([]string, 0, logBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			batch = batch[:0]
			return
		}
		_, _ = f.WriteString(strings.Join(batch, "\n") + "\n")
		_ = f.Close()
		batch = batch[:0]
	}

	for scanner.Scan() {
		batch = append(batch, scanner.Text())
		if len(batch) >= logBatchSize {
			flush()
		}
	}
	flush()
}
