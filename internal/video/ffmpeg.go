package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/utils"
)

const megabyte = 1024 * 1024

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// FFmpegSource decodes clips by piping them through ffmpeg as MJPEG.
type FFmpegSource struct {
	// Binary defaults to "ffmpeg".
	Binary string
}

// NewFFmpegArgs returns the decoder arguments for inputPath.
// Using -vcodec mjpeg ensures we get JPEGs Go can split.
// -hide_banner and -loglevel error keep the stderr buffer small.
func NewFFmpegArgs(inputPath string) []string {
	return []string{"-hide_banner", "-loglevel", "error", "-i", inputPath, "-f", "image2pipe", "-vcodec", "mjpeg", "-"}
}

func (s FFmpegSource) Open(ctx context.Context, path string) (Stream, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewSafeCommandContext(ctx, bin, NewFFmpegArgs(path)...)

	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrUnopenable, err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)

	return &ffmpegStream{cmd: cmd, scanner: scanner, cancel: cancel}, nil
}

type ffmpegStream struct {
	cmd     *utils.SafeCommand
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	index   int
	waited  bool
	waitErr error
}

func (s *ffmpegStream) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.waited {
		return Frame{}, io.EOF
	}
	if s.scanner.Scan() {
		// The scanner reuses its buffer, frames outlive the next Scan.
		data := make([]byte, len(s.scanner.Bytes()))
		copy(data, s.scanner.Bytes())
		f := Frame{Index: s.index, Data: data}
		s.index++
		return f, nil
	}

	scanErr := s.scanner.Err()
	s.wait()
	if scanErr != nil {
		return Frame{}, fmt.Errorf("frame scanner failed: %w", scanErr)
	}
	if s.waitErr != nil {
		return Frame{}, fmt.Errorf("ffmpeg execution failed: %w: %s", s.waitErr, s.cmd.Logs())
	}
	return Frame{}, io.EOF
}

func (s *ffmpegStream) wait() {
	if s.waited {
		return
	}
	s.waited = true
	s.waitErr = s.cmd.Wait()
}

// Close kills the decoder if it is still running and reaps it.
func (s *ffmpegStream) Close() error {
	s.cancel()
	if !s.waited {
		s.wait()
		if logs := s.cmd.Logs(); logs != "" {
			logger.Debug("ffmpeg stopped early", logger.LoggerOptions{Key: "stderr", Data: logs})
		}
	}
	return nil
}

// GetTotalFrames uses ffprobe to count packets for the progress bar
// It returns 0 if the count fails, allowing the caller to fallback to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		logger.Warning("ffprobe not found, progress cannot be estimated")
		return 0
	}

	type ffprobeOutput struct {
		Streams []struct {
			NbFrames      string `json:"nb_frames"`
			NbReadPackets string `json:"nb_read_packets"`
		} `json:"streams"`
	}

	// 1. Fast Path: Check Container Metadata
	// This is instant but might return "N/A" or be inaccurate for VFR.
	fast := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path)
	if out, err := fast.Output(); err == nil {
		var res ffprobeOutput
		if json.Unmarshal(out, &res) == nil && len(res.Streams) > 0 {
			if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
				return count
			}
		}
	}

	// 2. Slow Path: Count Packets (Fallback)
	slow := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := slow.Output()
	if err != nil {
		logger.Warning("ffprobe failed", logger.LoggerOptions{Key: "error", Data: err})
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0
	}
	return count
}
