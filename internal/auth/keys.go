package auth

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xiaopang/unlimited2api/internal/logger"
	"github.com/xiaopang/unlimited2api/internal/model"
)

// 密钥校验的三种失败原因，调用方据此返回不同错误信息
var (
	ErrKeyMissing = errors.New("api key missing")
	ErrKeyUnknown = errors.New("api key unknown")
	ErrKeyExpired = errors.New("api key expired")
)

// Registry API 密钥注册表，从密钥文件加载。
// 文件每行一条：name=key[=expiry[=rate_limit[:N]|no_limit]]，
// expiry 为 permanent 或 2006-01-02 日期，# 开头为注释。
type Registry struct {
	mu      sync.RWMutex
	path    string
	keys    map[string]model.APIKeyPolicy
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry 创建注册表并加载密钥文件。文件不存在不算错误，
// 此时注册表为空，所有密钥校验都会失败。
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		path: path,
		keys: make(map[string]model.APIKeyPolicy),
	}
	if err := r.Reload(); err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("密钥文件 %s 不存在，当前没有可用密钥", path)
			return r, nil
		}
		return nil, err
	}
	return r, nil
}

// Reload 重新加载密钥文件
func (r *Registry) Reload() error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer f.Close()

	keys := make(map[string]model.APIKeyPolicy)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, policy, err := parseKeyLine(line)
		if err != nil {
			logger.Warnf("密钥文件第 %d 行无效: %v", lineNo, err)
			continue
		}
		keys[key] = policy
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()
	logger.Infof("已加载 %d 个 API 密钥", len(keys))
	return nil
}

// parseKeyLine 解析单行密钥配置
func parseKeyLine(line string) (string, model.APIKeyPolicy, error) {
	parts := strings.SplitN(line, "=", 4)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", model.APIKeyPolicy{}, fmt.Errorf("格式应为 name=key[=expiry[=rate]]")
	}

	policy := model.APIKeyPolicy{Name: strings.TrimSpace(parts[0])}
	key := strings.TrimSpace(parts[1])

	if len(parts) >= 3 {
		expiry := strings.TrimSpace(parts[2])
		if expiry != "" && expiry != "permanent" {
			t, err := time.ParseInLocation("2006-01-02", expiry, time.Local)
			if err != nil {
				return "", model.APIKeyPolicy{}, fmt.Errorf("无效的过期日期 %q", expiry)
			}
			policy.Expiry = &t
		}
	}

	if len(parts) == 4 {
		rate := strings.TrimSpace(parts[3])
		switch {
		case rate == "no_limit":
			policy.RateMode = model.RateModeNoLimit
		case rate == "rate_limit":
			policy.RateMode = model.RateModeLimit
		case strings.HasPrefix(rate, "rate_limit:"):
			n, err := strconv.Atoi(strings.TrimPrefix(rate, "rate_limit:"))
			if err != nil || n <= 0 {
				return "", model.APIKeyPolicy{}, fmt.Errorf("无效的限速值 %q", rate)
			}
			policy.RateMode = model.RateModeLimit
			policy.CustomRate = n
		case rate == "":
			// 跟随全局设置
		default:
			return "", model.APIKeyPolicy{}, fmt.Errorf("无效的限速模式 %q", rate)
		}
	}

	return key, policy, nil
}

// Validate 校验密钥，返回对应策略。
// 缺失、未知、过期分别返回不同错误。
func (r *Registry) Validate(key string) (*model.APIKeyPolicy, error) {
	if key == "" {
		return nil, ErrKeyMissing
	}
	r.mu.RLock()
	policy, ok := r.keys[key]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrKeyUnknown
	}
	if policy.Expired(time.Now()) {
		return nil, ErrKeyExpired
	}
	return &policy, nil
}

// Count 当前加载的密钥数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Watch 监听密钥文件变化并自动重载。监听文件所在目录，
// 兼容编辑器"写临时文件再重命名"的保存方式。
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	r.watcher = watcher
	r.done = make(chan struct{})

	go func() {
		target := filepath.Clean(r.path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					logger.Errorf("重载密钥文件失败: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Errorf("密钥文件监听错误: %v", err)
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

// Stop 停止文件监听
func (r *Registry) Stop() {
	if r.watcher != nil {
		close(r.done)
		r.watcher.Close()
		r.watcher = nil
	}
}
