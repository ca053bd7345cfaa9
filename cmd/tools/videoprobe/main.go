package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/scienceserver/internal/config"
	"github.com/zhouzirui/scienceserver/internal/handler/activation"
	"github.com/zhouzirui/scienceserver/internal/service/video"
)

type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

type options struct {
	addr     string
	session  string
	user     string
	pass     string
	mode     string
	files    fileList
	frames   int
	interval time.Duration
	out      string
	maxFrame int
}

func main() {
	logg := logrus.New()
	logg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logg.WithError(err).Warn("failed to load .env, using system environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.WithError(err).Fatal("failed to load configuration")
	}

	addr := cfg.Server.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	var opts options
	flag.StringVar(&opts.addr, "addr", addr, "server address")
	flag.StringVar(&opts.session, "session", "", "session id; empty activates a new session with -user/-pass")
	flag.StringVar(&opts.user, "user", "", "user name for activation")
	flag.StringVar(&opts.pass, "pass", "", "password for activation")
	flag.StringVar(&opts.mode, "mode", "", "probe mode: upload or download")
	flag.Var(&opts.files, "file", "frame file to upload (repeatable)")
	flag.IntVar(&opts.frames, "frames", 10, "number of frames to download")
	flag.DurationVar(&opts.interval, "interval", 200*time.Millisecond, "delay between uploaded frames")
	flag.StringVar(&opts.out, "out", "", "directory for downloaded frames; empty discards them")
	timeout := flag.Duration("timeout", 30*time.Second, "overall probe timeout")
	flag.Parse()
	opts.maxFrame = cfg.Video.MaxFrameBytes

	if opts.mode != "upload" && opts.mode != "download" {
		flag.Usage()
		logg.Fatal("choose a probe mode with -mode=upload or -mode=download")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if opts.session == "" {
		if opts.user == "" {
			logg.Fatal("either -session or -user/-pass is required")
		}
		ctrl, id, err := activate(ctx, opts.addr, opts.user, opts.pass)
		if err != nil {
			logg.WithError(err).Fatal("activation failed")
		}
		defer ctrl.Close()
		opts.session = id
		logg.WithField("session", id).Info("activated session")
	}

	switch opts.mode {
	case "upload":
		err = runUpload(ctx, logg, opts)
	case "download":
		err = runDownload(ctx, logg, opts)
	}
	if err != nil {
		logg.WithError(err).Fatal("probe failed")
	}
}

func dial(ctx context.Context, addr, line string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send request line: %w", err)
	}
	return conn, nil
}

// activate logs in over the TEXT activation protocol and returns the open
// control connection with the assigned session id.
func activate(ctx context.Context, addr, user, pass string) (net.Conn, string, error) {
	conn, err := dial(ctx, addr, "GET /activation TEXT")
	if err != nil {
		return nil, "", err
	}
	r := bufio.NewReader(conn)

	readLine := func() (string, error) {
		line, err := r.ReadString('\n')
		return strings.TrimRight(line, "\r\n"), err
	}

	if line, err := readLine(); err != nil || line != activation.LineChallenge {
		conn.Close()
		return nil, "", fmt.Errorf("expected challenge, got %q: %v", line, err)
	}
	if _, err := fmt.Fprintf(conn, "user=%s&pass=%s\r\n", user, pass); err != nil {
		conn.Close()
		return nil, "", err
	}

	line, err := readLine()
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	if !strings.HasPrefix(line, activation.PrefixID) {
		conn.Close()
		return nil, "", fmt.Errorf("login rejected: %q", line)
	}
	return conn, strings.TrimPrefix(line, activation.PrefixID), nil
}

func runUpload(ctx context.Context, logg logrus.FieldLogger, opts options) error {
	if len(opts.files) == 0 {
		return errors.New("upload mode needs at least one -file")
	}

	conn, err := dial(ctx, opts.addr, "GET /video/upload/"+opts.session+" ATP")
	if err != nil {
		return err
	}
	defer conn.Close()

	for i, name := range opts.files {
		data, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read frame %s: %w", name, err)
		}
		if err := video.WriteFrame(conn, data); err != nil {
			return fmt.Errorf("send frame %d: %w", i, err)
		}
		logg.WithFields(logrus.Fields{"frame": i, "file": name, "bytes": len(data)}).Info("uploaded frame")

		if i < len(opts.files)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.interval):
			}
		}
	}
	return nil
}

func runDownload(ctx context.Context, logg logrus.FieldLogger, opts options) error {
	if opts.out != "" {
		if err := os.MkdirAll(opts.out, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	conn, err := dial(ctx, opts.addr, "GET /video/download/"+opts.session+" ATP")
	if err != nil {
		return err
	}
	defer conn.Close()

	for i := 0; i < opts.frames; i++ {
		frame, err := video.ReadFrame(conn, opts.maxFrame)
		if errors.Is(err, io.EOF) {
			logg.WithField("frames", i).Info("server closed the stream")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame %d: %w", i, err)
		}
		logg.WithFields(logrus.Fields{"frame": i, "bytes": len(frame)}).Info("received frame")

		if opts.out != "" && len(frame) > 0 {
			name := filepath.Join(opts.out, fmt.Sprintf("frame-%04d.bin", i))
			if err := os.WriteFile(name, frame, 0o644); err != nil {
				return fmt.Errorf("write frame %d: %w", i, err)
			}
		}

		ack := video.Continue
		if i == opts.frames-1 {
			ack = video.Nack
		}
		if err := video.WriteAck(conn, ack); err != nil {
			return fmt.Errorf("send ack %d: %w", i, err)
		}
	}
	return nil
}
