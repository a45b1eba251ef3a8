package listener

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-relay/internal/config"
	"trades-relay/internal/signal"
)

// Sink 接收解析后的信号，队列满时阻塞。
type Sink interface {
	Submit(ctx context.Context, sig signal.Signal) error
}

// Observer 接收监听过程中的事件。
type Observer interface {
	LineParsed(path string, sig signal.Signal)
	ParseFailed(path string, perr *signal.ParseError)
	Rotated(path, reason string)
	Halted(path string, err error)
}

type nopObserver struct{}

func (nopObserver) LineParsed(string, signal.Signal) {}
func (nopObserver) ParseFailed(string, *signal.ParseError) {}
func (nopObserver) Rotated(string, string) {}
func (nopObserver) Halted(string, error) {}

type fileState struct {
	path    string
	info    os.FileInfo
	offset  int64
	head    []byte
	partial []byte
	wake    chan struct{}
}

func (f *fileState) checkpoint() Checkpoint {
	return Checkpoint{Offset: f.offset, Head: fingerprint(f.head)}
}

func (f *fileState) notify() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Listener 追踪日志文件新增的完整行，并交给下游。
type Listener struct {
	cfg      config.ListenerConfig
	parser   *signal.Parser
	sink     Sink
	offsets  OffsetStore
	observer Observer
	logger   *zap.Logger

	files map[string]*fileState
}

// New 创建监听器。
func New(cfg config.ListenerConfig, parser *signal.Parser, sink Sink, offsets OffsetStore, observer Observer, logger *zap.Logger) (*Listener, error) {
	if parser == nil || sink == nil || offsets == nil {
		return nil, errors.New("listener: parser、sink 与 offsets 不能为空")
	}
	if len(cfg.Paths) == 0 {
		return nil, errors.New("listener: 未配置监听路径")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		cfg:      cfg,
		parser:   parser,
		sink:     sink,
		offsets:  offsets,
		observer: observer,
		logger:   logger,
		files:    make(map[string]*fileState),
	}, nil
}

// Run 持续监听直到 ctx 结束，单个文件的异常不会影响其他文件。
func (l *Listener) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("listener: 创建文件监听失败: %w", err)
	}
	defer watcher.Close()

	for _, dir := range l.watchDirs() {
		if err := watcher.Add(dir); err != nil {
			// 目录稍后出现时由轮询兜底
			l.logger.Warn("无法监听目录，仅依赖轮询", zap.String("dir", dir), zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()

		l.discover(gctx, g)
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !l.matches(ev.Name) {
					continue
				}
				l.discover(gctx, g)
				if fs, ok := l.files[filepath.Clean(ev.Name)]; ok {
					fs.notify()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				l.logger.Warn("文件监听异常", zap.Error(werr))
			case <-ticker.C:
				l.discover(gctx, g)
				for _, fs := range l.files {
					fs.notify()
				}
			}
		}
	})

	return g.Wait()
}

func (l *Listener) watchDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, p := range l.cfg.Paths {
		dir := filepath.Dir(filepath.Clean(p))
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func (l *Listener) matches(name string) bool {
	name = filepath.Clean(name)
	for _, p := range l.cfg.Paths {
		if ok, _ := filepath.Match(filepath.Clean(p), name); ok {
			return true
		}
	}
	return false
}

// discover 找到新出现的文件并为其启动读取协程。
func (l *Listener) discover(ctx context.Context, g *errgroup.Group) {
	var found []string
	for _, p := range l.cfg.Paths {
		matches, err := filepath.Glob(filepath.Clean(p))
		if err != nil {
			l.logger.Warn("路径模式无效", zap.String("pattern", p), zap.Error(err))
			continue
		}
		found = append(found, matches...)
	}
	sort.Strings(found)

	for _, path := range found {
		if _, ok := l.files[path]; ok {
			continue
		}
		fs, err := l.open(ctx, path)
		if err != nil {
			l.files[path] = &fileState{path: path}
			l.halt(path, err)
			continue
		}
		l.files[path] = fs
		l.logger.Info("开始追踪信号文件", zap.String("path", path), zap.Int64("offset", fs.offset))
		fs.notify()
		g.Go(func() error {
			l.follow(ctx, fs)
			return nil
		})
	}
}

func (l *Listener) open(ctx context.Context, path string) (*fileState, error) {
	fs := &fileState{path: path, wake: make(chan struct{}, 1)}

	cp, ok, err := l.offsets.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if ok {
		fs.offset = cp.Offset
		if err := l.verify(ctx, fs, cp.Head); err != nil {
			return nil, err
		}
		return fs, nil
	}
	if l.cfg.StartAtEnd {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("listener: 读取文件信息失败: %w", err)
		}
		head, err := readHead(path, min(info.Size(), headSize))
		if err != nil {
			return nil, err
		}
		fs.offset = info.Size()
		fs.info = info
		fs.head = head
		if err := l.offsets.Save(ctx, path, fs.checkpoint()); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// verify 用持久化的前缀指纹确认文件仍是停机前读取的那一个，否则从头读取。
func (l *Listener) verify(ctx context.Context, fs *fileState, want string) error {
	info, err := os.Stat(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("listener: 读取文件信息失败: %w", err)
	}
	// 文件比偏移短时交给 drain 按截断处理
	if info.Size() < fs.offset {
		return nil
	}
	head, err := readHead(fs.path, min(fs.offset, headSize))
	if err != nil {
		return err
	}
	fs.info = info
	if want != "" && fingerprint(head) != want {
		return l.rotate(ctx, fs, "replaced")
	}
	fs.head = head
	return nil
}

func readHead(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("listener: 打开文件失败: %w", err)
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("listener: 读取文件头失败: %w", err)
	}
	return buf[:read], nil
}

func (l *Listener) follow(ctx context.Context, fs *fileState) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fs.wake:
		}

		err := l.drain(ctx, fs)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, errStopped):
			return
		default:
			l.halt(fs.path, err)
			return
		}
	}
}

var errStopped = errors.New("listener: 下游已停止")

// drain 读取当前可用的全部完整行。
func (l *Listener) drain(ctx context.Context, fs *fileState) error {
	info, err := os.Stat(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取文件信息失败: %w", err)
	}

	switch {
	case fs.info != nil && !os.SameFile(fs.info, info):
		if err := l.rotate(ctx, fs, "replaced"); err != nil {
			return err
		}
	case info.Size() < fs.offset:
		if err := l.rotate(ctx, fs, "truncated"); err != nil {
			return err
		}
	}
	fs.info = info

	readFrom := fs.offset + int64(len(fs.partial))
	if info.Size() <= readFrom {
		return nil
	}

	f, err := os.Open(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(readFrom, io.SeekStart); err != nil {
		return fmt.Errorf("定位文件失败: %w", err)
	}

	r := bufio.NewReader(f)
	for {
		chunk, readErr := r.ReadBytes('\n')
		if len(chunk) > 0 {
			if chunk[len(chunk)-1] != '\n' {
				fs.partial = append(fs.partial, chunk...)
			} else {
				raw := append(fs.partial, chunk...)
				fs.partial = nil
				if err := l.handle(ctx, fs, raw); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("读取文件失败: %w", readErr)
		}
	}
}

// handle 处理一行完整数据，交付成功后才推进偏移。
func (l *Listener) handle(ctx context.Context, fs *fileState, raw []byte) error {
	start := fs.offset
	line := string(bytes.TrimRight(raw, "\r\n"))

	sig, err := l.parser.Parse(line, fs.path, start)
	var perr *signal.ParseError
	switch {
	case err == nil:
		l.observer.LineParsed(fs.path, sig)
		if subErr := l.sink.Submit(ctx, sig); subErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", errStopped, subErr)
		}
	case errors.Is(err, signal.ErrBlank):
	case errors.As(err, &perr):
		l.logger.Warn("跳过无法解析的行",
			zap.String("path", fs.path),
			zap.Int64("offset", start),
			zap.String("reason", perr.Reason),
		)
		l.observer.ParseFailed(fs.path, perr)
	default:
		return err
	}

	if n := headSize - len(fs.head); n > 0 {
		fs.head = append(fs.head, raw[:min(n, len(raw))]...)
	}
	fs.offset = start + int64(len(raw))
	// 已交付的行即使在停机过程中也要记录偏移
	if err := l.offsets.Save(context.WithoutCancel(ctx), fs.path, fs.checkpoint()); err != nil {
		return err
	}
	return nil
}

func (l *Listener) rotate(ctx context.Context, fs *fileState, reason string) error {
	l.logger.Warn("检测到文件轮转，从头读取",
		zap.String("path", fs.path),
		zap.String("reason", reason),
		zap.Int64("previous_offset", fs.offset),
		zap.Int("dropped_partial_bytes", len(fs.partial)),
	)
	fs.offset = 0
	fs.head = nil
	fs.partial = nil
	l.observer.Rotated(fs.path, reason)
	return l.offsets.Save(ctx, fs.path, fs.checkpoint())
}

func (l *Listener) halt(path string, err error) {
	l.logger.Error("文件读取已停止，需要人工处理", zap.String("path", path), zap.Error(err))
	l.observer.Halted(path, err)
}
