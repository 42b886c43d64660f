package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"AgentGuard/pkg/logger"
)

// killSwitchFile 是应急开关文件的格式。
type killSwitchFile struct {
	ReadOnly          bool     `yaml:"read_only"`
	DisableHighImpact bool     `yaml:"disable_high_impact"`
	BlockTools        []string `yaml:"block_tools"`
}

// Switchboard 合并环境变量与可热更新的开关文件。
// 文件无法解析时进入只读模式，直到文件恢复有效。
type Switchboard struct {
	path string
	env  EmergencySource

	mu   sync.RWMutex
	file Emergency
}

// NewSwitchboard 创建 Switchboard 并立即加载一次文件。path 为空时只使用环境变量。
func NewSwitchboard(path string, env EmergencySource) *Switchboard {
	if env == nil {
		env = EnvSource{}
	}
	s := &Switchboard{path: path, env: env}
	if err := s.Reload(); err != nil {
		logger.Named("policy").Error("加载应急开关文件失败，进入只读模式", slog.String("path", path), slog.Any("error", err))
	}
	return s
}

// Snapshot 实现 EmergencySource。
func (s *Switchboard) Snapshot() Emergency {
	s.mu.RLock()
	file := s.file
	s.mu.RUnlock()
	return s.env.Snapshot().Merge(file)
}

// Reload 重新读取开关文件。文件不存在视为全部关闭。
func (s *Switchboard) Reload() error {
	if s.path == "" {
		return nil
	}
	next, err := readKillSwitch(s.path)
	if err != nil {
		next = NewEmergency(true, false)
	}

	s.mu.Lock()
	previous := s.file
	s.file = next
	s.mu.Unlock()

	if !previous.equal(next) {
		logger.Audit().Warn("emergency_switch_changed",
			slog.String("path", s.path),
			slog.Bool("read_only", next.ReadOnly),
			slog.Bool("disable_high_impact", next.DisableHighImpact),
			slog.Any("block_tools", next.Blocked()),
		)
	}
	return err
}

// Watch 监听开关文件所在目录，直到 ctx 结束。
func (s *Switchboard) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create kill switch watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log := logger.Named("policy")
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				log.Error("重新加载应急开关失败，进入只读模式", slog.String("path", s.path), slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("应急开关监听出错", slog.Any("error", err))
		}
	}
}

func readKillSwitch(path string) (Emergency, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Emergency{}, nil
		}
		return Emergency{}, fmt.Errorf("read kill switch: %w", err)
	}
	var parsed killSwitchFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return Emergency{}, fmt.Errorf("parse kill switch: %w", err)
	}
	return NewEmergency(parsed.ReadOnly, parsed.DisableHighImpact, parsed.BlockTools...), nil
}
