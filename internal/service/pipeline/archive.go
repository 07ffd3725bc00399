package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
)

// Archive 将每轮的输入与输出音频落盘，路径写入消息的 AudioRef。
type Archive struct {
	dir string
}

// NewArchive returns nil when dir is empty, which disables archiving.
func NewArchive(dir string) *Archive {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	return &Archive{dir: dir}
}

// Save writes <dir>/<session>/<role>_<turn>.<ext> and returns the path.
func (a *Archive) Save(sessionID string, role chat.Role, turnID, ext string, data []byte) (string, error) {
	if a == nil || len(data) == 0 {
		return "", nil
	}
	dir := filepath.Join(a.dir, safeName(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	if ext == "" {
		ext = "bin"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.%s", role, safeName(turnID), ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive file: %w", err)
	}
	return path, nil
}

// inputExt 上行音频为 WAV 或裸 PCM16。
func inputExt(data []byte) string {
	if bytes.HasPrefix(data, []byte("RIFF")) {
		return "wav"
	}
	return "pcm"
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
