package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	iface "OnnxAnomalyServer/interface"
	"OnnxAnomalyServer/logger"

	"go.uber.org/zap"
)

const DefaultNativeTimeout = 120 * time.Second

var (
	ErrNativeNotConfigured = errors.New("native runtime command not configured")
	ErrBadCheckpoint       = errors.New("unrecognised checkpoint format")
)

// NativeLoader runs checkpoints through an external runtime process. The
// process receives a little-endian float32 NCHW tensor on stdin and the
// flags --checkpoint, --device and --shape, and answers with JSON on stdout.
type NativeLoader struct {
	Command []string
	Timeout time.Duration
	UseGPU  bool
	// Env 追加到子进程环境
	Env []string
}

func (l *NativeLoader) Load(path string) (Backend, error) {
	if len(l.Command) == 0 {
		return nil, ErrNativeNotConfigured
	}
	if err := checkCheckpoint(path); err != nil {
		return nil, err
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultNativeTimeout
	}
	device := "cpu"
	if l.UseGPU {
		device = "gpu"
	}
	return &nativeBackend{
		command:    append([]string(nil), l.Command...),
		env:        l.Env,
		checkpoint: path,
		device:     device,
		timeout:    timeout,
	}, nil
}

// checkCheckpoint 校验 zip 或 pickle 头
func checkCheckpoint(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read checkpoint header: %w", err)
	}
	head = head[:n]
	if bytes.HasPrefix(head, []byte("PK\x03\x04")) || (n > 0 && head[0] == 0x80) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBadCheckpoint, path)
}

type nativeBackend struct {
	command    []string
	env        []string
	checkpoint string
	device     string
	timeout    time.Duration
}

func (n *nativeBackend) Forward(ctx context.Context, imagePath string) (iface.Tensor, iface.ImageSize, error) {
	img, err := readImage(imagePath)
	if err != nil {
		return iface.Tensor{}, iface.ImageSize{}, err
	}
	defer img.Close()
	size := sizeOf(img)

	in, err := blob(img, 0, 0)
	if err != nil {
		return iface.Tensor{}, size, err
	}
	stdin := new(bytes.Buffer)
	stdin.Grow(len(in.Data) * 4)
	if err := binary.Write(stdin, binary.LittleEndian, in.Data); err != nil {
		return iface.Tensor{}, size, err
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	args := append(n.command[1:len(n.command):len(n.command)],
		"--checkpoint", n.checkpoint,
		"--device", n.device,
		"--shape", joinInts(in.Shape))
	cmd := exec.CommandContext(ctx, n.command[0], args...)
	if len(n.env) > 0 {
		cmd.Env = append(os.Environ(), n.env...)
	}
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := logger.Named("native")
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("native runtime timed out after %s: %w", n.timeout, ctx.Err())
		}
		log.Error("native runtime failed",
			zap.String("checkpoint", n.checkpoint),
			zap.String("stderr", tail(stderr.String(), 2048)),
			zap.Error(err))
		return iface.Tensor{}, size, err
	}

	t, via, err := extractAnomalyMap(stdout.Bytes())
	if err != nil {
		return iface.Tensor{}, size, err
	}
	log.Debug("native output extracted",
		zap.String("strategy", via),
		zap.Ints("shape", t.Shape),
		zap.Duration("elapsed", time.Since(start)))
	return t, size, nil
}

func (n *nativeBackend) Close() error {
	return nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
